package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/procmux/internal/process"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestRecordFromStatus(t *testing.T) {
	start := time.Now().Add(-time.Second)
	st := process.Status{
		Name:      "web",
		PID:       42,
		Processor: 2,
		StartedAt: start,
		StoppedAt: start.Add(time.Second),
		ExitCode:  137,
		Outcome:   process.OutcomeSignaled,
		Error:     "terminated by signal killed",
	}
	rec := RecordFromStatus(st)
	if rec.Name != "web" || rec.PID != 42 || rec.Processor != 2 || rec.ExitCode != 137 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Outcome != process.OutcomeSignaled || rec.Error == "" || !rec.StartedAt.Equal(start) {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestFanoutSendsToAll(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	f := Fanout{a, b}
	err := f.Send(context.Background(), NewEvent(EventExit, Record{Name: "a"}))
	if err == nil || err.Error() != "down" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("every sink should receive the event")
	}
	if a.events[0].Type != EventExit || a.events[0].OccurredAt.IsZero() {
		t.Fatalf("unexpected event: %+v", a.events[0])
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatalf("sinks not closed")
	}
}

func TestEmptyFanout(t *testing.T) {
	var f Fanout
	if err := f.Send(context.Background(), NewEvent(EventStart, Record{})); err != nil {
		t.Fatalf("empty fanout: %v", err)
	}
}
