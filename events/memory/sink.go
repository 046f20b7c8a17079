package memoryevents

import (
	"context"
	"sync"

	"github.com/open-rails/entkit/events"
)

// Sink records events in memory for tests.
type Sink struct {
	mu  sync.Mutex
	evs []events.Event
}

func New() *Sink { return &Sink{} }

func (s *Sink) Publish(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (s *Sink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.evs))
	copy(out, s.evs)
	return out
}

// OfType returns published events matching the given type.
func (s *Sink) OfType(eventType string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.evs {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
