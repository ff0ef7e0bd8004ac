// Package replay re-drives a captured request through its live tunnel,
// with optional per-field modifications, and records the outcome in a
// bounded history alongside an optional structured diff against the
// original response.
package replay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reverseproxy/tunnelgw/internal/gateway"
	"github.com/reverseproxy/tunnelgw/internal/inspector"
)

// DefaultHistorySize bounds the FIFO replay record history.
const DefaultHistorySize = 100

// Modifications are the recognized per-field overrides applied to a
// replayed request. Method is upper-cased; Headers and Query are shallow
// merged onto the original (override wins); Body is a raw replacement.
type Modifications struct {
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Record is one replay attempt, kept in the bounded FIFO history.
type Record struct {
	ReplayID         string                      `json:"replay_id"`
	OriginalRequestID string                     `json:"original_request_id"`
	ReplayedAt       time.Time                   `json:"replayed_at"`
	Subdomain        string                      `json:"subdomain"`
	SessionID        string                      `json:"session_id"`
	Request          inspector.RequestSnapshot   `json:"request"`
	Modifications    Modifications               `json:"modifications"`
	Response         *inspector.ResponseSnapshot `json:"response"`
	DurationMs       int64                       `json:"duration_ms"`
	Success          bool                        `json:"success"`
}

// Engine drives replays through a gateway's live registry and forwarder.
type Engine struct {
	store     *inspector.Store
	registry  *gateway.Registry
	forwarder *gateway.Forwarder

	mu      sync.Mutex
	history []*Record
	maxSize int
}

// NewEngine creates a replay engine bound to the inspector store and the
// live forwarding path it replays through.
func NewEngine(store *inspector.Store, registry *gateway.Registry, forwarder *gateway.Forwarder) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		forwarder: forwarder,
		maxSize:  DefaultHistorySize,
	}
}

// Replay re-drives the captured request identified by requestID, applying
// mods, and records the outcome. Fails with REQUEST_NOT_FOUND if the
// capture is gone, or TUNNEL_UNAVAILABLE if its session is no longer live.
func (e *Engine) Replay(ctx context.Context, requestID string, mods Modifications) (*Record, *gateway.Error) {
	original := e.store.GetByID(requestID)
	if original == nil {
		return nil, gateway.NewError(gateway.CodeRequestNotFound, "no capture for request %q", requestID)
	}

	session := e.registry.Lookup(original.Subdomain)
	if session == nil || !session.IsAlive() {
		return nil, gateway.NewError(gateway.CodeTunnelUnavailable, "no live session for subdomain %q", original.Subdomain)
	}

	synthetic := buildSyntheticRequest(original.Request, mods)
	req, err := http.NewRequestWithContext(ctx, synthetic.Method, requestURL(synthetic), bytes.NewReader(synthetic.Body))
	if err != nil {
		return nil, gateway.NewError(gateway.CodeRequestFailed, "building synthetic request: %v", err)
	}
	for k, v := range synthetic.Headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	start := time.Now()
	e.forwarder.Forward(ctx, rec, req, original.Subdomain)
	duration := time.Since(start)

	result := rec.Result()
	defer result.Body.Close()
	body, _ := io.ReadAll(result.Body)

	resp := &inspector.ResponseSnapshot{
		StatusCode:     result.StatusCode,
		Headers:        flattenHeader(result.Header),
		Body:           body,
		EgressTime:     time.Now(),
		ResponseTimeMs: duration.Milliseconds(),
	}

	record := &Record{
		ReplayID:          uuid.NewString(),
		OriginalRequestID: requestID,
		ReplayedAt:        start,
		Subdomain:         original.Subdomain,
		SessionID:         session.ID,
		Request:           synthetic,
		Modifications:     mods,
		Response:          resp,
		DurationMs:        duration.Milliseconds(),
		Success:           result.StatusCode < 400,
	}
	e.record(record)
	return record, nil
}

// ReplayWithDiff replays the request and additionally computes a Diff
// against the original captured response.
func (e *Engine) ReplayWithDiff(ctx context.Context, requestID string, mods Modifications) (*Record, *Diff, *gateway.Error) {
	original := e.store.GetByID(requestID)
	if original == nil {
		return nil, nil, gateway.NewError(gateway.CodeRequestNotFound, "no capture for request %q", requestID)
	}
	record, err := e.Replay(ctx, requestID, mods)
	if err != nil {
		return nil, nil, err
	}
	if original.Response == nil {
		return record, nil, nil
	}
	diff := Compute(original.Response, record.Response)
	return record, diff, nil
}

func (e *Engine) record(r *Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, r)
	if len(e.history) > e.maxSize {
		e.history = e.history[len(e.history)-e.maxSize:]
	}
}

// History returns the retained replay records, most recent last.
func (e *Engine) History() []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Record, len(e.history))
	copy(out, e.history)
	return out
}

// strippedOnReplay are headers dropped from a replayed request regardless
// of modifications, since they describe the original transport framing.
var strippedOnReplay = map[string]bool{
	"content-length": true,
	"host":           true,
	"connection":     true,
}

func buildSyntheticRequest(original inspector.RequestSnapshot, mods Modifications) inspector.RequestSnapshot {
	out := inspector.RequestSnapshot{
		Method:  original.Method,
		Path:    original.Path,
		Query:   mergeStrings(original.Query, mods.Query),
		Headers: mergeStrings(original.Headers, mods.Headers),
		Body:    original.Body,
	}
	if mods.Method != "" {
		out.Method = strings.ToUpper(mods.Method)
	}
	if mods.Path != "" {
		out.Path = mods.Path
	}
	if mods.Body != nil {
		out.Body = mods.Body
	}
	for k := range strippedOnReplay {
		delete(out.Headers, k)
	}
	return out
}

func mergeStrings(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

func requestURL(r inspector.RequestSnapshot) string {
	if len(r.Query) == 0 {
		return r.Path
	}
	values := make(url.Values, len(r.Query))
	for k, v := range r.Query {
		values.Set(k, v)
	}
	return r.Path + "?" + values.Encode()
}
