package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/reverseproxy/tunnelgw/internal/eventbus"
	"github.com/reverseproxy/tunnelgw/internal/gateway"
	"github.com/reverseproxy/tunnelgw/internal/inspector"
)

func Test_collector_counts_tunnel_lifecycle_events(t *testing.T) {
	bus := eventbus.New()
	c := New(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	bus.Publish(eventbus.TopicTunnelCreated, gateway.TunnelCreatedEvent{TunnelID: "t1", Subdomain: "a"})
	bus.Publish(eventbus.TopicTrafficResponse, inspector.ResponseEvent{
		RequestID: "r1",
		Snapshot:  inspector.ResponseSnapshot{StatusCode: 200, ResponseTimeMs: 15},
	})
	time.Sleep(20 * time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics/prometheus", nil)
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "tunnelgw_tunnels_created_total 1") {
		t.Fatalf("expected tunnels_created_total to be 1, got body:\n%s", body)
	}
	if !strings.Contains(body, `tunnelgw_requests_total{status_class="2xx"} 1`) {
		t.Fatalf("expected one 2xx request counted, got body:\n%s", body)
	}
}
