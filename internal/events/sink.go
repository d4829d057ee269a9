package events

import (
	"log/slog"

	"github.com/agenticmail/engine/internal/store"
)

// ActivityWriter is the slice of the store the sink needs.
type ActivityWriter interface {
	InsertActivityEvent(e *store.ActivityEvent) error
}

// Sink copies every bus event into the persistent activity log. Write
// failures are logged; the feed itself is never interrupted.
type Sink struct {
	writer      ActivityWriter
	logger      *slog.Logger
	unsubscribe func()
}

// NewSink subscribes the sink to the bus.
func NewSink(w ActivityWriter, bus *Bus, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		writer: w,
		logger: logger.With("component", "events.Sink"),
	}
	s.unsubscribe = bus.Subscribe(s.record)
	return s
}

// Close detaches the sink from the bus.
func (s *Sink) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Sink) record(ev Event) {
	err := s.writer.InsertActivityEvent(&store.ActivityEvent{
		ID:        ev.ID,
		Type:      ev.Type,
		OrgID:     ev.OrgID,
		AgentID:   ev.AgentID,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	})
	if err != nil {
		s.logger.Error("failed to persist activity event", "type", ev.Type, "error", err)
	}
}
