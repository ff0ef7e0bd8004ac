package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reverseproxy/tunnelgw/internal/protocol"
)

// HeartbeatInterval is the liveness ticker period per session.
const HeartbeatInterval = 30 * time.Second

// Waiter is the completion sink for one pending request. It is resolved by
// CompletePending or by session close, or removed by CancelPending when the
// deadline passes or the public client goes away.
type Waiter struct {
	RequestID string
	Complete  chan *Outcome
	Deadline  time.Time

	mu       sync.Mutex
	status   int
	headers  map[string]string
	chunks   map[int]string
	gapsSeen bool
}

// Outcome is what a Waiter resolves to: either a fully assembled response or
// an error description.
type Outcome struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Err        *Error
}

// Session is one live agent control-channel connection: it owns the pending
// request table, the outbound write lock, and liveness state. Destroyed
// when the transport closes or the heartbeat fails.
type Session struct {
	ID         string
	Subdomain  string
	LocalPort  int
	CreatedAt  time.Time
	codec      *protocol.Codec
	registry   *Registry

	mu          sync.Mutex
	lastActive  time.Time
	alive       bool
	missedBeats int
	pending     map[string]*Waiter
	requestN    int

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps a websocket connection as a Session. The caller must
// invoke Run to start the heartbeat loop and drive the read loop itself.
func NewSession(id, subdomain string, localPort int, conn *websocket.Conn, registry *Registry) *Session {
	return &Session{
		ID:         id,
		Subdomain:  subdomain,
		LocalPort:  localPort,
		CreatedAt:  time.Now(),
		codec:      protocol.NewCodec(conn),
		registry:   registry,
		lastActive: time.Now(),
		alive:      true,
		pending:    make(map[string]*Waiter),
		done:       make(chan struct{}),
	}
}

// Run starts the heartbeat ticker. The read loop is driven externally by
// the control-channel server, which runs one reader per connection and
// owns frame dispatch; Run only owns liveness.
func (s *Session) Run() {
	go s.heartbeatLoop()
}

// Send serializes one frame through the write lock. Failure marks the
// session unhealthy and tears it down.
func (s *Session) Send(tag string, payload any) error {
	if err := s.codec.Send(tag, payload); err != nil {
		slog.Error("session write failed", "session_id", s.ID, "err", err)
		s.Close("write failed")
		return err
	}
	return nil
}

// Touch records inbound activity, resetting the missed-heartbeat counter.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.missedBeats = 0
	s.mu.Unlock()
}

// IsAlive reports whether the session is still considered live.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// RegisterPending installs a waiter for request_id. Must happen-before the
// HTTP_REQUEST frame carrying the same id is sent.
func (s *Session) RegisterPending(requestID string, deadline time.Time) *Waiter {
	w := &Waiter{
		RequestID: requestID,
		Complete:  make(chan *Outcome, 1),
		Deadline:  deadline,
		chunks:    make(map[int]string),
	}
	s.mu.Lock()
	s.pending[requestID] = w
	s.requestN++
	s.mu.Unlock()
	return w
}

// CompletePending resolves and removes a pending waiter, if still present.
// Returns false if the request-id was already completed, cancelled, or
// never registered.
func (s *Session) CompletePending(requestID string, outcome *Outcome) bool {
	s.mu.Lock()
	w, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case w.Complete <- outcome:
	default:
	}
	return true
}

// CancelPending removes a waiter without resolving it — used when the
// public client disconnects before a response arrives. The agent's
// eventual response, if any, is discarded silently by CompletePending's
// "already gone" check.
func (s *Session) CancelPending(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// PendingWaiter returns the waiter for a request-id and whether it exists,
// without removing it. Used by the server to route streamed chunks.
func (s *Session) PendingWaiter(requestID string) (*Waiter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.pending[requestID]
	return w, ok
}

// AppendChunk records a streamed response chunk at index.
func (w *Waiter) AppendChunk(index int, chunk string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chunks[index] = chunk
}

// SetHeader records the unary/streaming-start status and headers.
func (w *Waiter) SetHeader(status int, headers map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.headers = headers
}

// AssembleChunks concatenates chunks[0..maxIndex] in order, treating gaps
// as empty segments, and reports whether any gap was encountered.
func (w *Waiter) AssembleChunks() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	maxIndex := -1
	for idx := range w.chunks {
		if idx > maxIndex {
			maxIndex = idx
		}
	}
	var body string
	gap := false
	for i := 0; i <= maxIndex; i++ {
		c, ok := w.chunks[i]
		if !ok {
			gap = true
			continue
		}
		body += c
	}
	return body, gap
}

func (w *Waiter) header() (int, map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.headers
}

// Close idempotently tears the session down: it drains all pending waiters
// with SESSION_CLOSED, closes the transport, and unregisters from the
// registry.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.alive = false
		pending := s.pending
		s.pending = make(map[string]*Waiter)
		s.mu.Unlock()

		for id, w := range pending {
			select {
			case w.Complete <- &Outcome{Err: NewError(CodeSessionClosed, "session closed: %s", reason)}:
			default:
			}
			_ = id
		}

		s.codec.Close()
		close(s.done)
		if s.registry != nil {
			s.registry.closeSession(s, reason)
		}
		slog.Info("session closed", "session_id", s.ID, "subdomain", s.Subdomain, "reason", reason)
	})
}

// Done returns a channel closed when the session tears down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := s.missedBeats > 0
			s.missedBeats++
			s.mu.Unlock()
			if stale {
				slog.Warn("session missed heartbeat, closing", "session_id", s.ID)
				s.Close("heartbeat timeout")
				return
			}
			if err := s.Send(protocol.TypePing, protocol.PingPayload{Timestamp: time.Now().Unix()}); err != nil {
				return
			}
		}
	}
}
