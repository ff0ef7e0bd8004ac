package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reverseproxy/tunnelgw/internal/protocol"
)

// fakeGateway is a minimal control-channel server used to drive the agent
// package's tunnel handshake and request dispatch without the full
// internal/gateway stack.
type fakeGateway struct {
	t       *testing.T
	server  *httptest.Server
	upgrade websocket.Upgrader
}

func newFakeGateway(t *testing.T, onConnect func(conn *websocket.Conn)) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{t: t}
	fg.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fg.upgrade.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrading: %v", err)
		}
		onConnect(conn)
	}))
	return fg
}

func (fg *fakeGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(fg.server.URL, "http")
}

func (fg *fakeGateway) close() {
	fg.server.Close()
}

func Test_connect_tunnel_completes_register_handshake(t *testing.T) {
	fg := newFakeGateway(t, func(conn *websocket.Conn) {
		defer conn.Close()
		codec := protocol.NewCodec(conn)
		frame, err := codec.ReadFrame()
		if err != nil {
			t.Errorf("reading register frame: %v", err)
			return
		}
		if frame.Type != protocol.TypeTunnelRegister {
			t.Errorf("expected TUNNEL_REGISTER, got %s", frame.Type)
			return
		}
		payload, err := protocol.DecodePayload[protocol.RegisterPayload](frame)
		if err != nil {
			t.Errorf("decoding register payload: %v", err)
			return
		}
		if payload.LocalPort != 8080 {
			t.Errorf("expected local_port 8080, got %d", payload.LocalPort)
		}
		codec.Send(protocol.TypeTunnelRegistered, protocol.RegisteredPayload{
			TunnelID:  "t1",
			Subdomain: "myapp",
			PublicURL: "https://myapp.tunnel.example.com",
		})
		codec.ReadFrame() // keep the connection open briefly for the client to read
	})
	defer fg.close()

	cfg := &Config{
		Gateway: GatewayConfig{URL: fg.wsURL()},
		Backend: BackendConfig{TargetURL: "http://127.0.0.1:8080"},
		Tunnel:  TunnelConfig{PingInterval: time.Minute},
	}

	tunnel, err := ConnectTunnel(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("ConnectTunnel: %v", err)
	}
	defer tunnel.Close()

	if tunnel.PublicURL() != "https://myapp.tunnel.example.com" {
		t.Fatalf("unexpected public url: %s", tunnel.PublicURL())
	}
}

func Test_tunnel_dispatches_request_and_streams_large_response(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strings.Repeat("x", maxUnaryBodySize+10)))
	}))
	defer backend.Close()

	received := make(chan struct{})
	var gotChunks int
	var gotEnd bool

	fg := newFakeGateway(t, func(conn *websocket.Conn) {
		defer conn.Close()
		codec := protocol.NewCodec(conn)
		regFrame, _ := codec.ReadFrame()
		regPayload, _ := protocol.DecodePayload[protocol.RegisterPayload](regFrame)
		_ = regPayload
		codec.Send(protocol.TypeTunnelRegistered, protocol.RegisteredPayload{
			TunnelID:  "t1",
			Subdomain: "myapp",
			PublicURL: "https://myapp.tunnel.example.com",
		})

		codec.Send(protocol.TypeHTTPRequest, protocol.HTTPRequestPayload{
			RequestID: "req-1",
			Method:    "GET",
			Path:      "/",
		})

		for {
			frame, err := codec.ReadFrame()
			if err != nil {
				return
			}
			switch frame.Type {
			case protocol.TypeHTTPResponse:
				// the first frame with streaming=true carries no body
			case protocol.TypeHTTPResponseChunk:
				gotChunks++
			case protocol.TypeHTTPResponseEnd:
				gotEnd = true
				close(received)
				return
			case protocol.TypePing:
				codec.Send(protocol.TypePong, protocol.PongPayload{})
			}
		}
	})
	defer fg.close()

	cfg := &Config{
		Gateway: GatewayConfig{URL: fg.wsURL()},
		Backend: BackendConfig{TargetURL: backend.URL},
		Tunnel:  TunnelConfig{PingInterval: time.Minute},
	}

	tunnel, err := ConnectTunnel(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("ConnectTunnel: %v", err)
	}
	defer tunnel.Close()

	go tunnel.Run()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for streamed response")
	}

	if gotChunks == 0 {
		t.Fatal("expected at least one response chunk")
	}
	if !gotEnd {
		t.Fatal("expected HTTP_RESPONSE_END frame")
	}
}
