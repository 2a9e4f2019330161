// Package changes republishes directory row changes from a single upstream
// feed to any number of in-process subscribers.
package changes

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultTopic is the notification channel the directories trigger publishes on.
const DefaultTopic = "directory_changes"

var ErrInvalidChangeEvent = errors.New("invalid change event")

type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

func (a *Action) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	switch Action(value) {
	case ActionInsert, ActionUpdate, ActionDelete:
		*a = Action(value)
		return nil
	default:
		return fmt.Errorf("unknown action %q", value)
	}
}

// Event is a validated row-level change of the directories table.
type Event struct {
	Action   Action `json:"action"`
	ID       int32  `json:"id"`
	Name     string `json:"name"`
	ParentID *int32 `json:"parent_id"`
}

type wireEvent struct {
	Action   *Action `json:"action"`
	ID       *int32  `json:"id"`
	Name     *string `json:"name"`
	ParentID *int32  `json:"parent_id"`
}

// ParseEvent validates raw against the change event schema.
func ParseEvent(raw string) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidChangeEvent, err)
	}
	switch {
	case wire.Action == nil:
		return Event{}, fmt.Errorf("%w: missing action", ErrInvalidChangeEvent)
	case wire.ID == nil:
		return Event{}, fmt.Errorf("%w: missing id", ErrInvalidChangeEvent)
	case wire.Name == nil:
		return Event{}, fmt.Errorf("%w: missing name", ErrInvalidChangeEvent)
	}
	return Event{
		Action:   *wire.Action,
		ID:       *wire.ID,
		Name:     *wire.Name,
		ParentID: wire.ParentID,
	}, nil
}
