// Package history exports process lifecycle events to external stores.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/procmux/internal/process"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventExit  EventType = "exit"
	// EventLost is sent when the processor monitoring a child failed before
	// its exit was observed.
	EventLost            EventType = "lost"
	EventProcessorFailed EventType = "processor_failed"
)

// Record is the flattened row every sink writes.
type Record struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Processor int       `json:"processor"`
	StartedAt time.Time `json:"started_at"`
	// StoppedAt is zero for start events.
	StoppedAt time.Time `json:"stopped_at"`
	ExitCode  int       `json:"exit_code"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

// RecordFromStatus converts a process status snapshot.
func RecordFromStatus(st process.Status) Record {
	return Record{
		Name:      st.Name,
		PID:       st.PID,
		Processor: st.Processor,
		StartedAt: st.StartedAt,
		StoppedAt: st.StoppedAt,
		ExitCode:  st.ExitCode,
		Outcome:   st.Outcome,
		Error:     st.Error,
	}
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, rec Record) Event {
	return Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends every event to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
