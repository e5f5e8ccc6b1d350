package gateway

import "sync"

// SessionPins maps interactive sessions to the executor serving them, so
// consecutive turns land on the same process. Pins are advisory: when the
// pinned executor is gone the router re-selects and re-pins (failover).
type SessionPins struct {
	mu   sync.RWMutex
	pins map[string]string
}

// NewSessionPins creates an empty pin map.
func NewSessionPins() *SessionPins {
	return &SessionPins{pins: make(map[string]string)}
}

// Pin binds a session to an executor, replacing any previous pin.
func (p *SessionPins) Pin(sessionID, executorID string) {
	p.mu.Lock()
	p.pins[sessionID] = executorID
	p.mu.Unlock()
}

// Get returns the pinned executor for a session.
func (p *SessionPins) Get(sessionID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	executorID, ok := p.pins[sessionID]
	return executorID, ok
}

// Unpin removes a session's pin.
func (p *SessionPins) Unpin(sessionID string) {
	p.mu.Lock()
	delete(p.pins, sessionID)
	p.mu.Unlock()
}

// Len returns the number of pinned sessions.
func (p *SessionPins) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pins)
}
