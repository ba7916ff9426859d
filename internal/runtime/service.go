package runtime

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/ideastorm/relay/internal/runtime/config"
	errspkg "github.com/ideastorm/relay/internal/runtime/errors"
	idspkg "github.com/ideastorm/relay/internal/runtime/ids"
	loggingpkg "github.com/ideastorm/relay/internal/runtime/logging"
	"github.com/ideastorm/relay/source"
)

// Dependencies contains optional collaborators for the Service. Zero value
// means: build the source from the default registry, register metrics with
// the Prometheus default registerer.
type Dependencies struct {
	// Source bypasses the registry lookup entirely. Tests inject scripted
	// sources here.
	Source source.Source
	// SourceRegistry defaults to source.DefaultRegistry.
	SourceRegistry *source.Registry
	// Registerer receives the relay collectors when Config.MetricsEnabled is
	// set.
	Registerer prometheus.Registerer
}

// Service is the relay core: it maintains at most one upstream connection per
// subscription key and fans incoming events out to every consumer attached to
// that key. Keys are independent; consumers of different keys never interact.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	src     source.Source
	backoff Backoff
	metrics *RelayMetrics
	tracer  trace.Tracer
	ctx     context.Context

	mu         sync.Mutex
	sessions   map[string]*session
	byConsumer map[*Consumer]*session
}

// NewService creates a new relay Service and panics if the configuration is
// invalid or the source cannot be built. Use TryNewService for explicit error
// handling.
func NewService(conf *configpkg.Config, logger loggingpkg.ServiceLogger, ctx context.Context, deps Dependencies) *Service {
	s, err := TryNewService(conf, logger, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService creates a new relay Service.
func TryNewService(conf *configpkg.Config, logger loggingpkg.ServiceLogger, ctx context.Context, deps Dependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger.Info("creating relay service", loggingpkg.LogFields{
		"source_system": conf.SourceSystem,
		"config":        conf.String(),
	})

	src := deps.Source
	if src == nil {
		registry := deps.SourceRegistry
		if registry == nil {
			registry = source.DefaultRegistry
		}
		built, err := registry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(logger))
		if err != nil {
			return nil, err
		}
		src = built
	}

	s := &Service{
		Conf:   conf,
		Logger: logger,
		src:    src,
		backoff: Backoff{
			InitialInterval: conf.ReconnectInitialInterval,
			Multiplier:      conf.ReconnectMultiplier,
			MaxInterval:     conf.ReconnectMaxInterval,
			MaxAttempts:     conf.ReconnectMaxAttempts,
		}.withDefaults(),
		tracer:     otel.Tracer("relay"),
		ctx:        ctx,
		sessions:   make(map[string]*session),
		byConsumer: make(map[*Consumer]*session),
	}

	if conf.MetricsEnabled {
		s.metrics = NewRelayMetrics(deps.Registerer)
		if err := s.metrics.Register(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// NewConsumer creates a consumer handle bound to this service. The consumer
// is inert until Connect is called.
func (s *Service) NewConsumer(cb ConsumerCallbacks) *Consumer {
	return &Consumer{id: idspkg.CreateULID(), svc: s, cb: cb}
}

// GetState reports the connection state for key. Keys with no live session
// report StateIdle. Diagnostics only: the state can change the moment it is
// read, so callers must not base control decisions on it.
func (s *Service) GetState(key string) ConnectionState {
	s.mu.Lock()
	sess := s.sessions[key]
	s.mu.Unlock()

	if sess == nil {
		return StateIdle
	}
	return ConnectionState(sess.stateAtomic.Load())
}

// Close detaches every consumer and asks all live sessions to tear down their
// upstream connections. Consumers receive their OnDisconnected callbacks
// asynchronously. The service stays usable; Close is a mass detach, not a
// poison pill.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	for c := range s.byConsumer {
		c.unbind()
	}
	s.byConsumer = make(map[*Consumer]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.postDetachAll()
	}
}

func (s *Service) attach(c *Consumer, key string) {
	if key == "" {
		s.Logger.Error("attach rejected", errspkg.ErrKeyRequired, loggingpkg.LogFields{
			"consumer": c.id,
		})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byConsumer[c]; ok {
		if prev.key == key {
			// Already attached to this key.
			return
		}
		// One active subscription per consumer: leave the old key first.
		prev.postDetach(c)
		delete(s.byConsumer, c)
	}

	sess := s.sessions[key]
	if sess != nil && !sess.postAttach(c) {
		// The session finished between our map read and the post. Its
		// goroutine removes itself from the map; replace it.
		sess = nil
	}
	if sess == nil {
		sess = newSession(s, key)
		s.sessions[key] = sess
		sess.postAttach(c)
	}

	s.byConsumer[c] = sess
	// Binding under svc.mu makes the handoff atomic against both sessions:
	// the old session's late removal sees the consumer already re-bound and
	// leaves the new attachment's state alone.
	c.bind(sess, key)
}

func (s *Service) detach(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byConsumer[c]
	if !ok {
		return
	}
	delete(s.byConsumer, c)
	c.unbind()
	sess.postDetach(c)
}

// dropSession removes a finished session from the key map unless a newer
// session has already replaced it.
func (s *Service) dropSession(key string, sess *session) {
	s.mu.Lock()
	if s.sessions[key] == sess {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
}
