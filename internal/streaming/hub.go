package streaming

import (
	"context"
	"errors"

	"github.com/rendis/botflow/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live run events.
type EventHub interface {
	Publish(ctx context.Context, event *schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}

// Appender receives run events from the engine.
type Appender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// Fanout delivers each event to every appender in order. Put the history
// store first so subscribers see the assigned sequence number.
type Fanout []Appender

// AppendEvent forwards event to all appenders, even after a failure, and
// returns the joined errors.
func (f Fanout) AppendEvent(ctx context.Context, event *schema.Event) error {
	var errs []error
	for _, a := range f {
		if err := a.AppendEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
