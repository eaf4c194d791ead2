package agent

import "sync"

// SteerInbox collects user steer notes addressed to a live run. The
// loop drains it before each model call and injects the notes as
// system-reminder messages, so steering never reorders the thread's
// FIFO queue.
type SteerInbox struct {
	mu    sync.Mutex
	notes []string
}

// NewSteerInbox creates an empty inbox
func NewSteerInbox() *SteerInbox {
	return &SteerInbox{}
}

// Push appends a steer note
func (s *SteerInbox) Push(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, note)
}

// Drain returns all pending notes and empties the inbox
func (s *SteerInbox) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := s.notes
	s.notes = nil
	return notes
}

// Len returns the number of pending notes
func (s *SteerInbox) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}
