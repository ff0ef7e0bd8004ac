// Package inspector implements the in-memory traffic capture store: a
// ring buffer of (request, response) pairs with derived, on-demand metrics
// (latency percentiles, throughput, status-class breakdown, path/method
// distributions), fed entirely from the event bus rather than sampled.
package inspector

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/reverseproxy/tunnelgw/internal/eventbus"
)

// Defaults per the spec's data model.
const (
	DefaultMaxStored = 1000
	DefaultRetention = 30 * time.Minute
	CleanupInterval  = 60 * time.Second
	MetricsInterval  = 5 * time.Second
)

// Store is the global capture ring plus derived-metrics windows. Safe for
// concurrent use.
type Store struct {
	bus       *eventbus.Bus
	maxStored int
	retention time.Duration
	now       func() time.Time

	mu          sync.Mutex
	ring        []*Capture          // insertion order, oldest first
	byID        map[string]*Capture
	bySession   map[string][]*Capture

	windows *metricWindows
}

// NewStore creates a capture store subscribed to the bus's traffic topics.
// Call Run in a goroutine to start consuming events and ticking the
// cleanup/metrics timers.
func NewStore(bus *eventbus.Bus, maxStored int, retention time.Duration) *Store {
	if maxStored <= 0 {
		maxStored = DefaultMaxStored
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		bus:       bus,
		maxStored: maxStored,
		retention: retention,
		now:       time.Now,
		byID:      make(map[string]*Capture),
		bySession: make(map[string][]*Capture),
		windows:   newMetricWindows(),
	}
}

// Run consumes request/response events and runs the cleanup and metrics
// tickers until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	reqSub := s.bus.Subscribe(eventbus.TopicTrafficRequest)
	respSub := s.bus.Subscribe(eventbus.TopicTrafficResponse)
	defer reqSub.Unsubscribe()
	defer respSub.Unsubscribe()

	cleanup := time.NewTicker(CleanupInterval)
	defer cleanup.Stop()
	metricsTick := time.NewTicker(MetricsInterval)
	defer metricsTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-reqSub.Events():
			if e, ok := ev.(RequestEvent); ok {
				s.recordRequest(e)
			}
		case ev := <-respSub.Events():
			if e, ok := ev.(ResponseEvent); ok {
				s.recordResponse(e)
			}
		case <-cleanup.C:
			s.evictExpired()
		case <-metricsTick.C:
			s.bus.Publish(eventbus.TopicMetricsUpdate, s.Metrics())
		}
	}
}

func (s *Store) recordRequest(e RequestEvent) {
	entry := &Capture{
		RequestID:   e.RequestID,
		SessionID:   e.SessionID,
		Subdomain:   e.Subdomain,
		Request:     e.Snapshot,
		RequestSize: len(e.Snapshot.Body),
		CreatedAt:   e.Snapshot.IngressTime,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	s.mu.Lock()
	s.ring = append(s.ring, entry)
	s.byID[entry.RequestID] = entry
	s.bySession[entry.SessionID] = append(s.bySession[entry.SessionID], entry)
	s.trimSessionLocked(entry.SessionID)
	s.evictOverflowLocked()
	s.mu.Unlock()

	nowNS := s.now().UnixNano()
	s.windows.requests.Add(1, nowNS)
	s.windows.bytesIn.Add(float64(entry.RequestSize), nowNS)
	s.windows.recordMethodPath(e.Snapshot.Method, e.Snapshot.Path)
}

func (s *Store) recordResponse(e ResponseEvent) {
	s.mu.Lock()
	entry, ok := s.byID[e.RequestID]
	if !ok {
		s.mu.Unlock()
		slog.Warn("inspector: response for unknown request dropped", "request_id", e.RequestID)
		return
	}
	if entry.Response != nil {
		s.mu.Unlock()
		slog.Warn("inspector: duplicate response overwrite attempt dropped", "request_id", e.RequestID)
		return
	}
	snap := e.Snapshot
	entry.Response = &snap
	entry.ResponseSize = len(snap.Body)
	s.mu.Unlock()

	nowNS := s.now().UnixNano()
	s.windows.bytesOut.Add(float64(entry.ResponseSize), nowNS)
	s.windows.latency.Add(float64(snap.ResponseTimeMs), nowNS)
	s.windows.recordStatus(snap.StatusCode)
	s.windows.recordBucket(nowNS)
}

// trimSessionLocked enforces the per-session cap. Caller must hold s.mu.
func (s *Store) trimSessionLocked(sessionID string) {
	limit := s.maxStored / 2
	if limit <= 0 {
		limit = 1
	}
	list := s.bySession[sessionID]
	if len(list) > limit {
		// only drop from the per-session index; the global ring eviction
		// (by capacity/retention) owns removal from byID/ring.
		s.bySession[sessionID] = list[1:]
	}
}

// evictOverflowLocked drops the oldest global entry once the ring exceeds
// maxStored. Caller must hold s.mu.
func (s *Store) evictOverflowLocked() {
	for len(s.ring) > s.maxStored {
		oldest := s.ring[0]
		s.ring = s.ring[1:]
		delete(s.byID, oldest.RequestID)
		s.removeFromSessionLocked(oldest)
	}
}

func (s *Store) removeFromSessionLocked(c *Capture) {
	list := s.bySession[c.SessionID]
	for i, e := range list {
		if e == c {
			s.bySession[c.SessionID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// evictExpired drops entries older than retention from both indices.
func (s *Store) evictExpired() {
	cutoff := s.now().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for i < len(s.ring) && s.ring[i].CreatedAt.Before(cutoff) {
		delete(s.byID, s.ring[i].RequestID)
		s.removeFromSessionLocked(s.ring[i])
		i++
	}
	if i > 0 {
		s.ring = append(s.ring[:0], s.ring[i:]...)
	}
}

// GetByID returns the capture for a request-id, or nil if not found.
func (s *Store) GetByID(requestID string) *Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[requestID]
}

// Purge drops every stored capture.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = nil
	s.byID = make(map[string]*Capture)
	s.bySession = make(map[string][]*Capture)
}

// QueryFilter selects a subset of captures for the management traffic
// listing.
type QueryFilter struct {
	Method     string
	StatusCode int
	PathRegex  *regexp.Regexp
	Since      time.Time
	Limit      int
	Offset     int
}

// Query returns captures matching filter, sorted by CreatedAt descending.
func (s *Store) Query(f QueryFilter) []*Capture {
	s.mu.Lock()
	matches := make([]*Capture, 0, len(s.ring))
	for i := len(s.ring) - 1; i >= 0; i-- {
		c := s.ring[i]
		if f.Method != "" && !equalFoldMethod(c.Request.Method, f.Method) {
			continue
		}
		if f.StatusCode != 0 {
			if c.Response == nil || c.Response.StatusCode != f.StatusCode {
				continue
			}
		}
		if f.PathRegex != nil && !f.PathRegex.MatchString(c.Request.Path) {
			continue
		}
		if !f.Since.IsZero() && c.CreatedAt.Before(f.Since) {
			continue
		}
		matches = append(matches, c)
	}
	s.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matches) {
		return nil
	}
	end := offset + limit
	if end > len(matches) {
		end = len(matches)
	}
	return matches[offset:end]
}

func equalFoldMethod(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 32
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 32
		}
		if ca != cb {
			return false
		}
	}
	return true
}
