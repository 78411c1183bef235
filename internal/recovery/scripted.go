package recovery

import (
	"context"
	"sync"
)

// Scripted replays canned decisions. Each Block call consumes one response;
// Before runs first so tests can repair the simulated host.
type Scripted struct {
	mu        sync.Mutex
	Responses []error
	Before    func()
	Seen      []Runbook
}

var _ Channel = (*Scripted)(nil)

// Block implements Channel.
func (s *Scripted) Block(_ context.Context, rb Runbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Seen = append(s.Seen, rb)
	if s.Before != nil {
		s.Before()
	}
	if len(s.Responses) == 0 {
		return nil
	}
	resp := s.Responses[0]
	s.Responses = s.Responses[1:]
	return resp
}

// Blocks returns how many times the channel blocked.
func (s *Scripted) Blocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Seen)
}
