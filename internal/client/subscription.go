package client

import (
	"sync"

	"codeground/internal/protocol"
)

// Handler reacts to one inbound event. Handlers must not call Release.
type Handler func(env *protocol.Envelope)

// Subscriptions is the set of event handlers a Session listens with.
// Release is the single point where they are all dropped; no handler runs
// after Release returns.
type Subscriptions struct {
	mu       sync.RWMutex
	handlers map[protocol.Event][]Handler
	released bool
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{handlers: make(map[protocol.Event][]Handler)}
}

// On registers h for event. It is ignored after Release.
func (s *Subscriptions) On(event protocol.Event, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.handlers[event] = append(s.handlers[event], h)
}

// Dispatch runs the handlers for env and reports whether any ran.
func (s *Subscriptions) Dispatch(env *protocol.Envelope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return false
	}
	hs := s.handlers[env.Type]
	for _, h := range hs {
		h(env)
	}
	return len(hs) > 0
}

// Release drops every handler. Safe to call more than once.
func (s *Subscriptions) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.handlers = nil
}

func (s *Subscriptions) Released() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}
