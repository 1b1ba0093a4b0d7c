package eventbus

import (
	"context"
	"sync"
)

// MemorySink keeps dead letters in memory
type MemorySink struct {
	lock    sync.Mutex
	letters []Event
}

func (s *MemorySink) Store(_ context.Context, e Event, _ error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.letters = append(s.letters, e)
	return nil
}

func (s *MemorySink) Events() []Event {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]Event(nil), s.letters...)
}
