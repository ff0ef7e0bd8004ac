package ratelimit

import "testing"

func Test_allowed_with_no_lists_defaults_to_allow(t *testing.T) {
	g := NewAccessGuard(nil, nil)
	if !g.Allowed("10.0.0.1") {
		t.Fatal("expected allow by default when no lists are configured")
	}
}

func Test_deny_list_blocks_matching_ip(t *testing.T) {
	g := NewAccessGuard(nil, []string{"10.0.0.0/8"})
	if g.Allowed("10.1.2.3") {
		t.Fatal("expected deny-listed ip to be blocked")
	}
	if !g.Allowed("192.168.1.1") {
		t.Fatal("expected non-denied ip to be allowed")
	}
}

func Test_allow_list_restricts_to_matching_ips(t *testing.T) {
	g := NewAccessGuard([]string{"192.168.1.0/24"}, nil)
	if !g.Allowed("192.168.1.5") {
		t.Fatal("expected allow-listed ip to pass")
	}
	if g.Allowed("8.8.8.8") {
		t.Fatal("expected ip outside allow list to be blocked")
	}
}

func Test_repeated_failed_auth_triggers_temporary_block(t *testing.T) {
	g := NewAccessGuard(nil, nil)
	ip := "203.0.113.5"
	for i := 0; i < MaxFailedAttempts; i++ {
		g.RecordFailedAuth(ip)
	}
	if !g.IsBlocked(ip) {
		t.Fatal("expected ip to be blocked after max failed attempts")
	}
	if g.Allowed(ip) {
		t.Fatal("blocked ip should not be allowed")
	}
}

func Test_clear_failed_auth_resets_counter(t *testing.T) {
	g := NewAccessGuard(nil, nil)
	ip := "203.0.113.9"
	for i := 0; i < MaxFailedAttempts-1; i++ {
		g.RecordFailedAuth(ip)
	}
	g.ClearFailedAuth(ip)
	g.RecordFailedAuth(ip)
	if g.IsBlocked(ip) {
		t.Fatal("counter should have reset, not accumulated across clear")
	}
}
