package inspector

import (
	"testing"
	"time"

	"github.com/reverseproxy/tunnelgw/internal/eventbus"
)

func newTestStore(maxStored int, retention time.Duration) *Store {
	return NewStore(eventbus.New(), maxStored, retention)
}

func Test_record_request_then_response_links_by_id(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.recordRequest(RequestEvent{
		RequestID: "r1",
		SessionID: "s1",
		Subdomain: "a",
		Snapshot:  RequestSnapshot{Method: "GET", Path: "/x"},
	})
	s.recordResponse(ResponseEvent{
		RequestID: "r1",
		Snapshot:  ResponseSnapshot{StatusCode: 200, ResponseTimeMs: 42},
	})

	c := s.GetByID("r1")
	if c == nil {
		t.Fatal("expected capture to be stored")
	}
	if c.Response == nil || c.Response.StatusCode != 200 {
		t.Fatalf("expected response attached, got %+v", c.Response)
	}
}

func Test_duplicate_response_is_dropped(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.recordRequest(RequestEvent{RequestID: "r1", SessionID: "s1"})
	s.recordResponse(ResponseEvent{RequestID: "r1", Snapshot: ResponseSnapshot{StatusCode: 200}})
	s.recordResponse(ResponseEvent{RequestID: "r1", Snapshot: ResponseSnapshot{StatusCode: 500}})

	c := s.GetByID("r1")
	if c.Response.StatusCode != 200 {
		t.Fatalf("expected first response to win, got status %d", c.Response.StatusCode)
	}
}

func Test_response_for_unknown_request_is_dropped(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.recordResponse(ResponseEvent{RequestID: "ghost", Snapshot: ResponseSnapshot{StatusCode: 200}})
	if s.GetByID("ghost") != nil {
		t.Fatal("expected no capture to be created for an orphan response")
	}
}

func Test_ring_evicts_oldest_once_over_capacity(t *testing.T) {
	s := newTestStore(3, time.Hour)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		s.recordRequest(RequestEvent{RequestID: id, SessionID: "s1"})
	}
	if s.GetByID("a") != nil || s.GetByID("b") != nil {
		t.Fatal("expected earliest captures to be evicted")
	}
	if s.GetByID("e") == nil {
		t.Fatal("expected most recent capture to survive")
	}
	if len(s.ring) != 3 {
		t.Fatalf("expected ring length 3, got %d", len(s.ring))
	}
}

func Test_evict_expired_drops_old_captures_by_retention(t *testing.T) {
	s := newTestStore(10, time.Minute)
	fixed := time.Now()
	s.now = func() time.Time { return fixed.Add(-2 * time.Minute) }
	s.recordRequest(RequestEvent{RequestID: "old", SessionID: "s1"})

	s.now = func() time.Time { return fixed }
	s.recordRequest(RequestEvent{RequestID: "new", SessionID: "s1"})

	s.evictExpired()

	if s.GetByID("old") != nil {
		t.Fatal("expected expired capture to be evicted")
	}
	if s.GetByID("new") == nil {
		t.Fatal("expected fresh capture to survive")
	}
}

func Test_query_filters_by_method_status_and_path(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.recordRequest(RequestEvent{RequestID: "r1", SessionID: "s1", Snapshot: RequestSnapshot{Method: "GET", Path: "/a"}})
	s.recordResponse(ResponseEvent{RequestID: "r1", Snapshot: ResponseSnapshot{StatusCode: 200}})
	s.recordRequest(RequestEvent{RequestID: "r2", SessionID: "s1", Snapshot: RequestSnapshot{Method: "POST", Path: "/b"}})
	s.recordResponse(ResponseEvent{RequestID: "r2", Snapshot: ResponseSnapshot{StatusCode: 500}})

	results := s.Query(QueryFilter{Method: "post"})
	if len(results) != 1 || results[0].RequestID != "r2" {
		t.Fatalf("expected method filter to isolate r2, got %+v", results)
	}

	results = s.Query(QueryFilter{StatusCode: 200})
	if len(results) != 1 || results[0].RequestID != "r1" {
		t.Fatalf("expected status filter to isolate r1, got %+v", results)
	}
}

func Test_query_honors_limit_and_offset(t *testing.T) {
	s := newTestStore(10, time.Hour)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		s.recordRequest(RequestEvent{RequestID: id, SessionID: "s1"})
	}
	page := s.Query(QueryFilter{Limit: 2, Offset: 1})
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
}

func Test_purge_clears_all_indices(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.recordRequest(RequestEvent{RequestID: "r1", SessionID: "s1"})
	s.Purge()
	if s.GetByID("r1") != nil {
		t.Fatal("expected purge to remove all captures")
	}
	if len(s.ring) != 0 {
		t.Fatal("expected ring to be empty after purge")
	}
}

func Test_metrics_reports_error_rate_and_breakdown(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.recordRequest(RequestEvent{RequestID: "r1", SessionID: "s1", Snapshot: RequestSnapshot{Method: "GET", Path: "/ok"}})
	s.recordResponse(ResponseEvent{RequestID: "r1", Snapshot: ResponseSnapshot{StatusCode: 200, ResponseTimeMs: 10}})
	s.recordRequest(RequestEvent{RequestID: "r2", SessionID: "s1", Snapshot: RequestSnapshot{Method: "GET", Path: "/err"}})
	s.recordResponse(ResponseEvent{RequestID: "r2", Snapshot: ResponseSnapshot{StatusCode: 503, ResponseTimeMs: 20}})

	snap := s.Metrics()
	if snap.ErrorBreakdown.TwoXX != 1 || snap.ErrorBreakdown.FiveXX != 1 {
		t.Fatalf("unexpected breakdown: %+v", snap.ErrorBreakdown)
	}
	if snap.ErrorRate != 50 {
		t.Fatalf("expected 50%% error rate, got %v", snap.ErrorRate)
	}
	if snap.Latency.Max != 20 || snap.Latency.Min != 10 {
		t.Fatalf("unexpected latency stats: %+v", snap.Latency)
	}
}

func Test_metrics_top_paths_ranked_by_count(t *testing.T) {
	s := newTestStore(10, time.Hour)
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		s.recordRequest(RequestEvent{RequestID: id, SessionID: "s1", Snapshot: RequestSnapshot{Method: "GET", Path: "/hot"}})
	}
	s.recordRequest(RequestEvent{RequestID: "d", SessionID: "s1", Snapshot: RequestSnapshot{Method: "GET", Path: "/cold"}})

	snap := s.Metrics()
	if len(snap.TopPaths) == 0 || snap.TopPaths[0].Path != "/hot" || snap.TopPaths[0].Count != 3 {
		t.Fatalf("expected /hot to rank first with count 3, got %+v", snap.TopPaths)
	}
}
