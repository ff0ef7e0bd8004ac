package gateway

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/reverseproxy/tunnelgw/internal/eventbus"
	"github.com/reverseproxy/tunnelgw/internal/inspector"
	"github.com/reverseproxy/tunnelgw/internal/protocol"
)

// RequestTimeout is the default deadline a Forwarder waits for an agent's
// response before failing with REQUEST_TIMEOUT.
const RequestTimeout = 30 * time.Second

var hopByHopHeaders = []string{"host", "connection", "upgrade", "keep-alive", "transfer-encoding", "proxy-connection"}

// Forwarder drives one public request end-to-end through a session:
// AwaitingRoute -> AwaitingWrite -> AwaitingResponse -> (StreamingBody)? ->
// Complete | Errored | TimedOut.
type Forwarder struct {
	registry *Registry
	bus      *eventbus.Bus
	timeout  time.Duration
}

// NewForwarder creates a Forwarder bound to a registry and event bus.
func NewForwarder(registry *Registry, bus *eventbus.Bus, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	return &Forwarder{registry: registry, bus: bus, timeout: timeout}
}

// Forward routes r to subdomain's session, waits for the response (or
// ctx cancellation/timeout), writes it to w, and records the full
// round-trip in the inspector via the event bus.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, subdomain string) {
	ingressTime := time.Now()

	session := f.registry.Lookup(subdomain)
	if session == nil {
		f.writeError(w, NewError(CodeTunnelNotFound, "no tunnel bound to subdomain %q", subdomain))
		return
	}
	if !session.IsAlive() {
		f.writeError(w, NewError(CodeConnectionClosed, "session for %q is not live", subdomain))
		return
	}

	requestID := uuid.NewString()
	body, err := readBody(r)
	if err != nil {
		f.writeError(w, NewError(CodeRequestFailed, "reading request body: %v", err))
		return
	}

	reqSnapshot := inspector.RequestSnapshot{
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       flattenValues(r.URL.Query()),
		Headers:     stripHopByHop(flattenHeader(r.Header)),
		Body:        body,
		ClientIP:    clientIP(r),
		IngressTime: ingressTime,
	}
	f.bus.Publish(eventbus.TopicTrafficRequest, inspector.RequestEvent{
		RequestID: requestID,
		SessionID: session.ID,
		Subdomain: subdomain,
		Snapshot:  reqSnapshot,
	})

	deadline := time.Now().Add(f.timeout)
	waiter := session.RegisterPending(requestID, deadline)

	frame := buildHTTPRequestFrame(requestID, reqSnapshot)
	if err := session.Send(protocol.TypeHTTPRequest, frame); err != nil {
		session.CancelPending(requestID)
		f.writeError(w, NewError(CodeConnectionClosed, "dispatch failed: %v", err))
		return
	}

	outcome := f.await(ctx, session, waiter, requestID)
	f.egress(w, requestID, session.ID, subdomain, outcome, ingressTime)
}

// await blocks until the waiter resolves, the deadline passes, or ctx is
// cancelled (public client disconnect). On timeout or cancellation the
// pending entry is removed so a later agent response is discarded silently.
func (f *Forwarder) await(ctx context.Context, session *Session, waiter *Waiter, requestID string) *Outcome {
	timer := time.NewTimer(time.Until(waiter.Deadline))
	defer timer.Stop()

	select {
	case outcome := <-waiter.Complete:
		return outcome
	case <-timer.C:
		session.CancelPending(requestID)
		slog.Warn("request timed out", "request_id", requestID, "session_id", session.ID)
		return &Outcome{Err: NewError(CodeRequestTimeout, "no response within %s", f.timeout)}
	case <-ctx.Done():
		session.CancelPending(requestID)
		return &Outcome{Err: NewError(CodeRequestFailed, "client disconnected before response arrived")}
	}
}

func (f *Forwarder) egress(w http.ResponseWriter, requestID, sessionID, subdomain string, outcome *Outcome, ingressTime time.Time) {
	egressTime := time.Now()
	responseTimeMs := egressTime.Sub(ingressTime).Milliseconds()

	if outcome.Err != nil {
		f.writeError(w, outcome.Err)
		f.bus.Publish(eventbus.TopicTrafficResponse, inspector.ResponseEvent{
			RequestID: requestID,
			Snapshot: inspector.ResponseSnapshot{
				StatusCode:     outcome.Err.HTTPStatus(),
				EgressTime:     egressTime,
				ResponseTimeMs: responseTimeMs,
			},
		})
		return
	}

	headers := stripHopByHop(outcome.Headers)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(outcome.StatusCode)
	if len(outcome.Body) > 0 {
		w.Write(outcome.Body)
	}

	f.bus.Publish(eventbus.TopicTrafficResponse, inspector.ResponseEvent{
		RequestID: requestID,
		Snapshot: inspector.ResponseSnapshot{
			StatusCode:     outcome.StatusCode,
			Headers:        headers,
			Body:           outcome.Body,
			EgressTime:     egressTime,
			ResponseTimeMs: responseTimeMs,
		},
	})
}

func (f *Forwarder) writeError(w http.ResponseWriter, err *Error) {
	status := err.HTTPStatus()
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, string(err.Code)+": "+err.Message)
}

func buildHTTPRequestFrame(requestID string, snap inspector.RequestSnapshot) protocol.HTTPRequestPayload {
	payload := protocol.HTTPRequestPayload{
		RequestID:    requestID,
		Method:       snap.Method,
		Path:         snap.Path,
		Headers:      snap.Headers,
		Query:        snap.Query,
		BodyEncoding: protocol.BodyEncodingNone,
	}
	if len(snap.Body) > 0 {
		payload.Body = base64.StdEncoding.EncodeToString(snap.Body)
		payload.BodyEncoding = protocol.BodyEncodingBase64
	}
	return payload
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func clientIP(r *http.Request) string {
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
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

func flattenValues(v map[string][]string) map[string]string {
	out := make(map[string]string, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

// decodeBody decodes a wire body per its encoding tag. An absent tag is
// assumed to be base64, per the wire protocol's encoding contract.
func decodeBody(body, encoding string) ([]byte, error) {
	switch encoding {
	case protocol.BodyEncodingUTF8:
		return []byte(body), nil
	case protocol.BodyEncodingNone:
		return nil, nil
	default:
		return base64.StdEncoding.DecodeString(body)
	}
}

func stripHopByHop(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		skip := false
		lower := strings.ToLower(k)
		for _, h := range hopByHopHeaders {
			if lower == h {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	return out
}
