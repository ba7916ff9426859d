package runtime

import "github.com/ideastorm/relay/reconcile"

// EventType names one upstream event family. The set is expected to grow;
// unknown names are logged and ignored rather than treated as errors.
type EventType string

const (
	EventItemsAdded         EventType = "item_added"
	EventItemsModified      EventType = "item_modified"
	EventItemMoved          EventType = "item_moved"
	EventSuggestionsUpdated EventType = "suggestions_updated"
	EventWorkflowComplete   EventType = "workflow_complete"
)

// MovePayload is the decoded body of an item_moved event.
type MovePayload struct {
	ID       string             `json:"id"`
	Position reconcile.Position `json:"position"`
}

// Event is one classified upstream update. Only the field matching Type is
// populated; Data carries the opaque payload of suggestions_updated and
// workflow_complete events.
type Event struct {
	Type    EventType
	Items   []reconcile.Item
	Patches []reconcile.ItemPatch
	Move    MovePayload
	Data    []byte
}
