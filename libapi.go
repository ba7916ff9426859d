package relay

import (
	runtimepkg "github.com/ideastorm/relay/internal/runtime"
	configpkg "github.com/ideastorm/relay/internal/runtime/config"
	errspkg "github.com/ideastorm/relay/internal/runtime/errors"
	idspkg "github.com/ideastorm/relay/internal/runtime/ids"
	loggingpkg "github.com/ideastorm/relay/internal/runtime/logging"
	"github.com/ideastorm/relay/reconcile"
	sourcepkg "github.com/ideastorm/relay/source"
)

type (
	Config       = configpkg.Config
	Service      = runtimepkg.Service
	Dependencies = runtimepkg.Dependencies

	Consumer          = runtimepkg.Consumer
	ConsumerCallbacks = runtimepkg.ConsumerCallbacks
	ConsumerState     = runtimepkg.ConsumerState

	ConnectionState = runtimepkg.ConnectionState
	Backoff         = runtimepkg.Backoff

	Event       = runtimepkg.Event
	EventType   = runtimepkg.EventType
	MovePayload = runtimepkg.MovePayload

	RelayMetrics = runtimepkg.RelayMetrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Client-side reconciliation types
	Item      = reconcile.Item
	ItemPatch = reconcile.ItemPatch
	Position  = reconcile.Position
	Board     = reconcile.Board

	// Modular source types (one sub-package per backend)
	StreamSource       = sourcepkg.Source
	SourceBuilder      = sourcepkg.Builder
	SourceConn         = sourcepkg.Conn
	SourceCallbacks    = sourcepkg.Callbacks
	SourceRegistry     = sourcepkg.Registry
	SourceCapabilities = sourcepkg.Capabilities
	Frame              = sourcepkg.Frame
)

// Connection states for Service.GetState and Consumer observation.
const (
	StateIdle         = runtimepkg.StateIdle
	StateConnecting   = runtimepkg.StateConnecting
	StateOpen         = runtimepkg.StateOpen
	StateReconnecting = runtimepkg.StateReconnecting
	StateFailed       = runtimepkg.StateFailed
	StateClosed       = runtimepkg.StateClosed
)

// Event types fanned out to consumers.
const (
	EventItemsAdded         = runtimepkg.EventItemsAdded
	EventItemsModified      = runtimepkg.EventItemsModified
	EventItemMoved          = runtimepkg.EventItemMoved
	EventSuggestionsUpdated = runtimepkg.EventSuggestionsUpdated
	EventWorkflowComplete   = runtimepkg.EventWorkflowComplete
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	NewRelayMetrics = runtimepkg.NewRelayMetrics

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter

	NewBoard = reconcile.NewBoard

	CreateULID = idspkg.CreateULID

	// Modular source registry. Import individual sources via:
	// _ "github.com/ideastorm/relay/source/sse"
	DefaultSourceRegistry = sourcepkg.DefaultRegistry
	RegisterSource        = sourcepkg.Register
	BuildSource           = sourcepkg.Build
	GetSourceCapabilities = sourcepkg.GetCapabilities

	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
	ErrSourceRequired   = errspkg.ErrSourceRequired
	ErrKeyRequired      = errspkg.ErrKeyRequired
	ErrConsumerRequired = errspkg.ErrConsumerRequired
	ErrUpstreamClosed   = errspkg.ErrUpstreamClosed
)
