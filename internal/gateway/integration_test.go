package gateway_test

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reverseproxy/tunnelgw/internal/eventbus"
	"github.com/reverseproxy/tunnelgw/internal/gateway"
	"github.com/reverseproxy/tunnelgw/internal/protocol"
	"github.com/reverseproxy/tunnelgw/internal/ratelimit"
)

// fakeAgent is a minimal agent-side control-channel client used to drive
// end-to-end tests without the full agent package.
type fakeAgent struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialFakeAgent(t *testing.T, wsURL, subdomain string) *fakeAgent {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing control channel: %v", err)
	}
	a := &fakeAgent{t: t, conn: conn}
	a.send(protocol.TypeTunnelRegister, protocol.RegisterPayload{Subdomain: subdomain, LocalPort: 3000})

	frame := a.recv()
	if frame.Type != protocol.TypeTunnelRegistered {
		t.Fatalf("expected TUNNEL_REGISTERED, got %s", frame.Type)
	}
	return a
}

func (a *fakeAgent) send(tag string, payload any) {
	a.t.Helper()
	f, err := protocol.NewFrame(tag, payload)
	if err != nil {
		a.t.Fatalf("building frame: %v", err)
	}
	if err := a.conn.WriteJSON(f); err != nil {
		a.t.Fatalf("writing frame: %v", err)
	}
}

func (a *fakeAgent) recv() *protocol.Frame {
	a.t.Helper()
	var f protocol.Frame
	if err := a.conn.ReadJSON(&f); err != nil {
		a.t.Fatalf("reading frame: %v", err)
	}
	return &f
}

// respondOnce reads the next HTTP_REQUEST frame and replies with a unary
// HTTP_RESPONSE.
func (a *fakeAgent) respondOnce(status int, body string) protocol.HTTPRequestPayload {
	a.t.Helper()
	frame := a.recv()
	if frame.Type != protocol.TypeHTTPRequest {
		a.t.Fatalf("expected HTTP_REQUEST, got %s", frame.Type)
	}
	req, err := protocol.DecodePayload[protocol.HTTPRequestPayload](frame)
	if err != nil {
		a.t.Fatalf("decoding request: %v", err)
	}
	a.send(protocol.TypeHTTPResponse, protocol.HTTPResponsePayload{
		RequestID:    req.RequestID,
		StatusCode:   status,
		Headers:      map[string]string{"content-type": "text/plain"},
		Body:         base64.StdEncoding.EncodeToString([]byte(body)),
		BodyEncoding: protocol.BodyEncodingBase64,
	})
	return req
}

func newTestGateway(t *testing.T) (controlURL string, ingress http.Handler, bus *eventbus.Bus, registry *gateway.Registry) {
	t.Helper()
	bus = eventbus.New()
	registry = gateway.NewRegistry(bus, nil)
	control := gateway.NewControlServer(registry, "example.test", "", nil)
	controlSrv := httptest.NewServer(control)
	t.Cleanup(controlSrv.Close)

	forwarder := gateway.NewForwarder(registry, bus, 2*time.Second)
	cfg := &gateway.Config{
		Tunnel: gateway.TunnelConfig{Apex: "example.test"},
		RateLimit: gateway.RateLimitConfig{
			ClientLimit: 1000,
			TunnelLimit: 1000,
			GlobalLimit: 1000,
		},
	}
	ing := gateway.NewIngress(forwarder, registry, cfg, http.NotFoundHandler(), ratelimit.NewAccessGuard(nil, nil))

	controlURL = "ws" + strings.TrimPrefix(controlSrv.URL, "http") + "/"
	return controlURL, ing, bus, registry
}

func Test_happy_path_register_request_respond(t *testing.T) {
	controlURL, ingress, _, _ := newTestGateway(t)
	agent := dialFakeAgent(t, controlURL, "myapp")
	defer agent.conn.Close()

	go agent.respondOnce(200, "pong")

	req := httptest.NewRequest(http.MethodGet, "http://myapp.example.test/ping", nil)
	rec := httptest.NewRecorder()
	ingress.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Result().Body)
	if string(body) != "pong" {
		t.Fatalf("expected pong, got %q", body)
	}
	if rec.Header().Get("content-type") != "text/plain" {
		t.Fatalf("expected content-type to survive, got %q", rec.Header().Get("content-type"))
	}
}

func Test_streaming_response_is_assembled_in_order(t *testing.T) {
	controlURL, ingress, _, _ := newTestGateway(t)
	agent := dialFakeAgent(t, controlURL, "stream")
	defer agent.conn.Close()

	go func() {
		frame := agent.recv()
		req, _ := protocol.DecodePayload[protocol.HTTPRequestPayload](frame)
		agent.send(protocol.TypeHTTPResponse, protocol.HTTPResponsePayload{
			RequestID:  req.RequestID,
			StatusCode: 200,
			Headers:    map[string]string{},
			Streaming:  true,
		})
		agent.send(protocol.TypeHTTPResponseChunk, protocol.HTTPResponseChunkPayload{
			RequestID: req.RequestID,
			Index:     0,
			Chunk:     base64.StdEncoding.EncodeToString([]byte("hello ")),
		})
		agent.send(protocol.TypeHTTPResponseChunk, protocol.HTTPResponseChunkPayload{
			RequestID: req.RequestID,
			Index:     1,
			Chunk:     base64.StdEncoding.EncodeToString([]byte("world")),
		})
		agent.send(protocol.TypeHTTPResponseEnd, protocol.HTTPResponseEndPayload{RequestID: req.RequestID})
	}()

	req := httptest.NewRequest(http.MethodGet, "http://stream.example.test/x", nil)
	rec := httptest.NewRecorder()
	ingress.ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if string(body) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", body)
	}
}

func Test_unknown_subdomain_returns_404(t *testing.T) {
	_, ingress, _, _ := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, "http://ghost.example.test/x", nil)
	rec := httptest.NewRecorder()
	ingress.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func Test_reserved_subdomain_registration_fails(t *testing.T) {
	controlURL, _, _, _ := newTestGateway(t)
	conn, _, err := websocket.DefaultDialer.Dial(controlURL, nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	f, _ := protocol.NewFrame(protocol.TypeTunnelRegister, protocol.RegisterPayload{Subdomain: "admin", LocalPort: 1})
	conn.WriteJSON(f)

	var reply protocol.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply.Type != protocol.TypeError {
		t.Fatalf("expected ERROR, got %s", reply.Type)
	}
	payload, _ := protocol.DecodePayload[protocol.ErrorPayload](&reply)
	if payload.Code != string(gateway.CodeSubdomainTaken) {
		t.Fatalf("expected SUBDOMAIN_TAKEN, got %s", payload.Code)
	}
}
