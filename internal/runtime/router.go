package runtime

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/ideastorm/relay/reconcile"
	"github.com/ideastorm/relay/source"
)

// errUnknownEvent marks a frame whose name is not in the event type set.
// The session logs these and moves on; a new upstream event type must never
// crash the pipeline.
var errUnknownEvent = errors.New("relay: unknown event type")

type itemsBody struct {
	Items []reconcile.Item `json:"items"`
}

type patchesBody struct {
	Items []reconcile.ItemPatch `json:"items"`
}

// classifyFrame turns a raw upstream frame into a typed Event.
//
// Heartbeats (unnamed frames) yield (nil, nil) and are not events. A frame
// with an unknown name yields errUnknownEvent; a frame whose body does not
// decode yields the decode error. Either way the frame is dropped without
// reaching consumers.
func classifyFrame(f source.Frame) (*Event, error) {
	if f.Name == "" {
		return nil, nil
	}

	switch EventType(f.Name) {
	case EventItemsAdded:
		var body itemsBody
		if err := sonic.ConfigStd.Unmarshal(f.Data, &body); err != nil {
			return nil, fmt.Errorf("relay: malformed %s payload: %w", f.Name, err)
		}
		return &Event{Type: EventItemsAdded, Items: body.Items}, nil

	case EventItemsModified:
		var body patchesBody
		if err := sonic.ConfigStd.Unmarshal(f.Data, &body); err != nil {
			return nil, fmt.Errorf("relay: malformed %s payload: %w", f.Name, err)
		}
		return &Event{Type: EventItemsModified, Patches: body.Items}, nil

	case EventItemMoved:
		var body MovePayload
		if err := sonic.ConfigStd.Unmarshal(f.Data, &body); err != nil {
			return nil, fmt.Errorf("relay: malformed %s payload: %w", f.Name, err)
		}
		if body.ID == "" {
			return nil, fmt.Errorf("relay: malformed %s payload: missing id", f.Name)
		}
		return &Event{Type: EventItemMoved, Move: body}, nil

	case EventSuggestionsUpdated:
		return &Event{Type: EventSuggestionsUpdated, Data: f.Data}, nil

	case EventWorkflowComplete:
		return &Event{Type: EventWorkflowComplete, Data: f.Data}, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, f.Name)
	}
}
