package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/reverseproxy/tunnelgw/internal/ratelimit"
)

// Ingress accepts inbound public HTTP, extracts the candidate subdomain
// from the Host header, runs the rate/access hooks, and hands live tunnel
// requests off to the Forwarder. Requests whose host has no subdomain (or
// whose leftmost label is reserved) fall through to nonTunnel.
type Ingress struct {
	forwarder  *Forwarder
	registry   *Registry
	apex       string
	reserved   map[string]bool
	limiter    *ratelimit.Limiter
	access     *ratelimit.AccessGuard
	backpressure *rate.Limiter
	clientLimit  int
	tunnelLimit  int
	globalLimit  int
	nonTunnel    http.Handler
}

// NewIngress creates a public ingress handler. access is shared with the
// ControlServer so that failed control-channel auth attempts (tracked by
// the same AccessGuard) also block that IP's public traffic.
func NewIngress(forwarder *Forwarder, registry *Registry, cfg *Config, nonTunnel http.Handler, access *ratelimit.AccessGuard) *Ingress {
	reserved := make(map[string]bool, len(cfg.Subdomain.Reserved)+len(DefaultReserved))
	list := cfg.Subdomain.Reserved
	if len(list) == 0 {
		list = DefaultReserved
	}
	for _, s := range list {
		reserved[s] = true
	}
	return &Ingress{
		forwarder:    forwarder,
		registry:     registry,
		apex:         cfg.Tunnel.Apex,
		reserved:     reserved,
		limiter:      ratelimit.New(),
		access:       access,
		backpressure: rate.NewLimiter(rate.Limit(cfg.RateLimit.GlobalLimit)/60, cfg.RateLimit.GlobalLimit/10+1),
		clientLimit:  cfg.RateLimit.ClientLimit,
		tunnelLimit:  cfg.RateLimit.TunnelLimit,
		globalLimit:  cfg.RateLimit.GlobalLimit,
		nonTunnel:    nonTunnel,
	}
}

func (ing *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain, isTunnel := ing.extractSubdomain(r.Host)
	if !isTunnel {
		if ing.nonTunnel != nil {
			ing.nonTunnel.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	ip := clientIP(r)
	if !ing.access.Allowed(ip) {
		writeJSONError(w, http.StatusForbidden, CodeForbidden, "access denied")
		return
	}

	if !ing.backpressure.Allow() {
		writeJSONError(w, http.StatusTooManyRequests, CodeRateLimited, "gateway is over its global request budget")
		return
	}

	if res := ing.limiter.Check("global", ing.globalLimit); !res.Allowed {
		writeRateLimited(w, res)
		return
	}
	if res := ing.limiter.Check("tunnel:"+subdomain, ing.tunnelLimit); !res.Allowed {
		writeRateLimited(w, res)
		return
	}
	if res := ing.limiter.Check("client:"+ip, ing.clientLimit); !res.Allowed {
		writeRateLimited(w, res)
		return
	}

	ing.forwarder.Forward(r.Context(), w, r, subdomain)
}

// extractSubdomain parses the Host header's leftmost label. It reports
// isTunnel=false when the label equals a reserved name or the host has no
// subdomain relative to the configured apex.
func (ing *Ingress) extractSubdomain(host string) (subdomain string, isTunnel bool) {
	host = stripPort(host)
	host = strings.ToLower(host)
	apex := strings.ToLower(ing.apex)

	if host == apex || !strings.HasSuffix(host, "."+apex) {
		return "", false
	}
	label := strings.TrimSuffix(host, "."+apex)
	if strings.Contains(label, ".") {
		// more than one label before the apex; only the leftmost is the
		// tunnel subdomain, the rest is not a recognized shape.
		return "", false
	}
	if label == "" || ing.reserved[label] {
		return "", false
	}
	return label, true
}

func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if _, err := strconv.Atoi(host[idx+1:]); err == nil {
			return host[:idx]
		}
	}
	return host
}

func writeJSONError(w http.ResponseWriter, status int, code Code, message string) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"code":%q}`, message, code)
}

func writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("retry-after", strconv.Itoa(int(res.RetryAfter.Seconds())))
	writeJSONError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
}
