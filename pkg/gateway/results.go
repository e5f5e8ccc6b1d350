package gateway

import (
	"sync"
	"time"

	"github.com/vespid/vespid/pkg/models"
)

// resultEntry holds one buffered result with its arrival timestamp for TTL
// expiration. Events streamed before or after the result attach to the same
// entry.
type resultEntry struct {
	result   *models.RemoteResult
	events   []*models.RemoteEvent
	storedAt time.Time
}

// ResultStore is a bounded, thread-safe result buffer with TTL expiration.
// Expired entries are cleaned up lazily on Get; the size bound is enforced
// on Put by evicting the oldest entry. No background goroutine.
//
// Put is first-write-wins: a duplicate result for a requestId that already
// holds one is dropped, which makes at-least-once delivery idempotent.
type ResultStore struct {
	mu         sync.RWMutex
	entries    map[string]*resultEntry
	ttl        time.Duration
	maxEntries int
}

// NewResultStore creates a store expiring entries after ttl and holding at
// most maxEntries (0 means unbounded).
func NewResultStore(ttl time.Duration, maxEntries int) *ResultStore {
	return &ResultStore{
		entries:    make(map[string]*resultEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Put stores a result under its requestId. Returns false if a live result
// is already present, in which case the new one is dropped.
func (s *ResultStore) Put(requestID string, result *models.RemoteResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[requestID]; ok && !s.expired(entry) {
		if entry.result != nil {
			return false
		}
		// Events arrived first; attach the result to the existing entry.
		entry.result = result
		entry.storedAt = time.Now()
		return true
	}

	s.evictLocked()
	s.entries[requestID] = &resultEntry{result: result, storedAt: time.Now()}
	return true
}

// AddEvent buffers an event under its requestId, creating the entry when
// the result has not arrived yet.
func (s *ResultStore) AddEvent(requestID string, ev *models.RemoteEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[requestID]
	if !ok || s.expired(entry) {
		s.evictLocked()
		entry = &resultEntry{storedAt: time.Now()}
		s.entries[requestID] = entry
	}
	entry.events = append(entry.events, ev)
}

// Get returns the buffered result if present and not expired.
func (s *ResultStore) Get(requestID string) (*models.RemoteResult, bool) {
	s.mu.RLock()
	entry, ok := s.entries[requestID]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if s.expired(entry) {
		// Expired — clean up lazily.
		// Re-check under write lock: a concurrent Put may have replaced
		// the entry with a fresh one between RUnlock and Lock.
		s.mu.Lock()
		if current, ok := s.entries[requestID]; ok && s.expired(current) {
			delete(s.entries, requestID)
		}
		s.mu.Unlock()
		return nil, false
	}

	if entry.result == nil {
		return nil, false
	}
	return entry.result, true
}

// Len returns the number of buffered entries, expired ones included.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *ResultStore) expired(entry *resultEntry) bool {
	return time.Since(entry.storedAt) > s.ttl
}

// evictLocked makes room for one insertion: expired entries go first, then
// the oldest live entry. Caller holds the write lock.
func (s *ResultStore) evictLocked() {
	if s.maxEntries <= 0 || len(s.entries) < s.maxEntries {
		return
	}
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, entry := range s.entries {
		if s.expired(entry) {
			delete(s.entries, id)
			continue
		}
		if oldestID == "" || entry.storedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = entry.storedAt
		}
	}
	if len(s.entries) >= s.maxEntries && oldestID != "" {
		delete(s.entries, oldestID)
	}
}
