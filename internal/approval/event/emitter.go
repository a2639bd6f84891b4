package event

import (
	"context"
	"log/slog"
	"time"
)

// Emitter publishes workflow lifecycle events to external collaborators.
// Implementations must not block the calling transition path.
type Emitter interface {
	Publish(ctx context.Context, e Event)
}

// LogEmitter writes every event to the structured log. It is the default
// emitter and doubles as the local audit trail for development setups.
type LogEmitter struct{}

func NewLogEmitter() *LogEmitter {
	return &LogEmitter{}
}

func (l *LogEmitter) Publish(ctx context.Context, e Event) {
	slog.Info("workflow event",
		"type", e.Type,
		"instanceID", e.InstanceID,
		"documentID", e.DocumentID,
		"stepID", e.StepID,
		"taskID", e.TaskID,
		"actor", e.Actor,
	)
}

// ChannelEmitter forwards events to a buffered channel consumed by the
// notification listener. When the buffer is full the event is dropped with a
// warning rather than blocking a state transition.
type ChannelEmitter struct {
	ch chan Event
}

func NewChannelEmitter(buffer int) *ChannelEmitter {
	return &ChannelEmitter{ch: make(chan Event, buffer)}
}

// Events exposes the receive side for the listener goroutine.
func (c *ChannelEmitter) Events() <-chan Event {
	return c.ch
}

func (c *ChannelEmitter) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case c.ch <- e:
	default:
		slog.Warn("event channel full, dropping event",
			"type", e.Type,
			"instanceID", e.InstanceID,
		)
	}
}

// MultiEmitter fans an event out to several emitters.
type MultiEmitter struct {
	emitters []Emitter
}

func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

func (m *MultiEmitter) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, emitter := range m.emitters {
		emitter.Publish(ctx, e)
	}
}
