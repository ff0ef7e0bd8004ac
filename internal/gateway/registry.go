package gateway

import (
	"crypto/rand"
	"regexp"
	"sync"
	"time"

	"github.com/reverseproxy/tunnelgw/internal/eventbus"
)

// MaxSubdomainRetries bounds how many random candidates the registry tries
// before giving up with SUBDOMAIN_GENERATION_FAILED.
const MaxSubdomainRetries = 10

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]{3,32}$`)

const randomSubdomainLength = 8
const randomSubdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// DefaultReserved is the canonical reserved-subdomain list; published as
// configuration so operators can extend it.
var DefaultReserved = []string{"www", "api", "admin", "dashboard", "auth", "health", "metrics"}

// TunnelCreatedEvent is published on eventbus.TopicTunnelCreated.
type TunnelCreatedEvent struct {
	TunnelID  string
	Subdomain string
}

// TunnelClosedEvent is published on eventbus.TopicTunnelClosed.
type TunnelClosedEvent struct {
	TunnelID   string
	Subdomain  string
	DurationMs int64
	Reason     string
}

// Registry maps subdomains to live sessions, validates and allocates
// subdomains, and publishes lifecycle events. Owns the subdomain->session
// and id->session indices. There is no separate session->ids index: each
// session binds exactly one tunnel, and a disconnect tears it down through
// Session.Close, which calls closeSession.
type Registry struct {
	bus      *eventbus.Bus
	reserved map[string]bool

	mu       sync.RWMutex
	byID     map[string]*Session
	bySub    map[string]*Session
}

// NewRegistry creates an empty registry. reserved overrides DefaultReserved
// when non-empty.
func NewRegistry(bus *eventbus.Bus, reserved []string) *Registry {
	if len(reserved) == 0 {
		reserved = DefaultReserved
	}
	r := make(map[string]bool, len(reserved))
	for _, s := range reserved {
		r[s] = true
	}
	return &Registry{
		bus:      bus,
		reserved: r,
		byID:     make(map[string]*Session),
		bySub:    make(map[string]*Session),
	}
}

// RegisterRequest carries what's needed to bind a new tunnel.
type RegisterRequest struct {
	RequestedSubdomain string
	LocalPort          int
	TunnelID           string
}

// Register validates or allocates a subdomain and binds session under it.
// On success the session's Subdomain field is set to the bound value.
func (r *Registry) Register(req RegisterRequest, session *Session) (*Session, *Error) {
	subdomain := req.RequestedSubdomain

	r.mu.Lock()
	if subdomain != "" {
		subdomain = foldSubdomain(subdomain)
		if err := r.validateLocked(subdomain); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	} else {
		generated, err := r.generateLocked()
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		subdomain = generated
	}

	session.Subdomain = subdomain
	r.bySub[subdomain] = session
	r.byID[session.ID] = session
	r.mu.Unlock()

	r.bus.Publish(eventbus.TopicTunnelCreated, TunnelCreatedEvent{TunnelID: session.ID, Subdomain: subdomain})
	return session, nil
}

// validateLocked checks length, charset, reservation, and uniqueness.
// Caller must hold r.mu.
func (r *Registry) validateLocked(subdomain string) *Error {
	if !subdomainPattern.MatchString(subdomain) {
		return NewError(CodeSubdomainInvalid, "subdomain %q must be 3-32 lowercase alphanumeric characters", subdomain)
	}
	if r.reserved[subdomain] {
		return NewError(CodeSubdomainTaken, "subdomain %q is reserved", subdomain)
	}
	if _, taken := r.bySub[subdomain]; taken {
		return NewError(CodeSubdomainTaken, "subdomain %q is already in use", subdomain)
	}
	return nil
}

// generateLocked produces a random, available 8-char subdomain, retrying
// up to MaxSubdomainRetries times. Caller must hold r.mu.
func (r *Registry) generateLocked() (string, *Error) {
	for i := 0; i < MaxSubdomainRetries; i++ {
		candidate, err := randomSubdomain()
		if err != nil {
			return "", NewError(CodeSubdomainGenerationFail, "generating random subdomain: %v", err)
		}
		if r.reserved[candidate] {
			continue
		}
		if _, taken := r.bySub[candidate]; taken {
			continue
		}
		return candidate, nil
	}
	return "", NewError(CodeSubdomainGenerationFail, "exhausted %d attempts to allocate a unique subdomain", MaxSubdomainRetries)
}

func randomSubdomain() (string, error) {
	buf := make([]byte, randomSubdomainLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, randomSubdomainLength)
	for i, b := range buf {
		out[i] = randomSubdomainAlphabet[int(b)%len(randomSubdomainAlphabet)]
	}
	return string(out), nil
}

func foldSubdomain(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// Lookup returns the live session bound to a subdomain, or nil.
func (r *Registry) Lookup(subdomain string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySub[foldSubdomain(subdomain)]
}

// LookupByID returns the live session for a tunnel id, or nil.
func (r *Registry) LookupByID(tunnelID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[tunnelID]
}

// Close tears down one tunnel by id.
func (r *Registry) Close(tunnelID, reason string) {
	r.mu.RLock()
	session, ok := r.byID[tunnelID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	session.Close(reason)
}

// CloseAll tears down every registered tunnel.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Close(reason)
	}
}

// closeSession removes session from both indices and publishes
// tunnel:closed. Called from Session.Close, so it must not itself call
// back into Session.Close (idempotency is guarded by sync.Once there).
func (r *Registry) closeSession(session *Session, reason string) {
	r.mu.Lock()
	if existing, ok := r.bySub[session.Subdomain]; ok && existing == session {
		delete(r.bySub, session.Subdomain)
	}
	delete(r.byID, session.ID)
	r.mu.Unlock()

	duration := time.Since(session.CreatedAt)
	r.bus.Publish(eventbus.TopicTunnelClosed, TunnelClosedEvent{
		TunnelID:   session.ID,
		Subdomain:  session.Subdomain,
		DurationMs: duration.Milliseconds(),
		Reason:     reason,
	})
}

// TunnelStats is one row of the management /tunnels listing.
type TunnelStats struct {
	TunnelID     string `json:"tunnel_id"`
	Subdomain    string `json:"subdomain"`
	LocalPort    int    `json:"local_port"`
	ConnectedAt  int64  `json:"connected_at"`
	UptimeMs     int64  `json:"uptime_ms"`
	RequestCount int    `json:"request_count"`
}

// Stats returns one row per live tunnel.
func (r *Registry) Stats() []TunnelStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TunnelStats, 0, len(r.byID))
	for _, s := range r.byID {
		s.mu.Lock()
		requestN := s.requestN
		s.mu.Unlock()
		out = append(out, TunnelStats{
			TunnelID:     s.ID,
			Subdomain:    s.Subdomain,
			LocalPort:    s.LocalPort,
			ConnectedAt:  s.CreatedAt.Unix(),
			UptimeMs:     time.Since(s.CreatedAt).Milliseconds(),
			RequestCount: requestN,
		})
	}
	return out
}

// Count returns the number of live tunnels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
