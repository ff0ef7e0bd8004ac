package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/reverseproxy/tunnelgw/internal/eventbus"
	"github.com/reverseproxy/tunnelgw/internal/gateway"
	"github.com/reverseproxy/tunnelgw/internal/ratelimit"
)

func Test_control_server_rejects_bad_auth_token(t *testing.T) {
	bus := eventbus.New()
	registry := gateway.NewRegistry(bus, nil)
	access := ratelimit.NewAccessGuard(nil, nil)
	control := gateway.NewControlServer(registry, "example.test", "supersecret", access)
	srv := httptest.NewServer(control)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail for a bad auth token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func Test_control_server_blocks_ip_after_repeated_auth_failures(t *testing.T) {
	bus := eventbus.New()
	registry := gateway.NewRegistry(bus, nil)
	access := ratelimit.NewAccessGuard(nil, nil)
	control := gateway.NewControlServer(registry, "example.test", "supersecret", access)
	srv := httptest.NewServer(control)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=garbage"
	for i := 0; i < ratelimit.MaxFailedAttempts; i++ {
		websocket.DefaultDialer.Dial(wsURL, nil)
	}

	validToken := gateway.GenerateToken("supersecret")
	validURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + validToken
	_, resp, err := websocket.DefaultDialer.Dial(validURL, nil)
	if err == nil {
		t.Fatal("expected dial to still fail: ip should be temporarily blocked")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 while blocked, got %+v", resp)
	}
}
