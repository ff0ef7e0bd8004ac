package management_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/reverseproxy/tunnelgw/internal/eventbus"
	"github.com/reverseproxy/tunnelgw/internal/gateway"
	"github.com/reverseproxy/tunnelgw/internal/inspector"
	"github.com/reverseproxy/tunnelgw/internal/management"
	"github.com/reverseproxy/tunnelgw/internal/metrics"
	"github.com/reverseproxy/tunnelgw/internal/replay"
)

func newTestRouter() *management.Router {
	bus := eventbus.New()
	registry := gateway.NewRegistry(bus, nil)
	forwarder := gateway.NewForwarder(registry, bus, time.Second)
	store := inspector.NewStore(bus, 10, time.Hour)
	engine := replay.NewEngine(store, registry, forwarder)
	collector := metrics.New(bus)
	return management.New(registry, store, engine, collector)
}

func Test_health_reports_status_and_tunnel_count(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %+v", body)
	}
}

func Test_traffic_by_id_returns_404_for_unknown_request(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest("GET", "/traffic/ghost", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func Test_replay_unknown_request_returns_404(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest("POST", "/replay/ghost", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func Test_tunnels_empty_list_when_none_registered(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest("GET", "/tunnels", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body []any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body) != 0 {
		t.Fatalf("expected empty tunnel list, got %+v", body)
	}
}
