package httpx

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"strings"
)

// SecurityHeadersMiddleware applies baseline hardening headers to responses.
// Frame embedding is left to the dispatcher since views may be embedded by
// verified custom domains.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// LimitBody caps request bodies at n bytes. Zero disables the cap.
func LimitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if n <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Proxies is the set of reverse proxies whose forwarding headers are
// believed.
type Proxies []netip.Prefix

func (p Proxies) trusts(a netip.Addr) bool {
	for _, pre := range p {
		if pre.Contains(a) {
			return true
		}
	}
	return false
}

// ParseProxies reads a comma separated list of CIDRs or bare addresses.
// Invalid entries are skipped.
func ParseProxies(raw string) Proxies {
	var out Proxies
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if pre, err := netip.ParsePrefix(part); err == nil {
			out = append(out, pre.Masked())
			continue
		}
		if a, err := netip.ParseAddr(part); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
		}
	}
	return out
}

// ClientIP returns the caller address. When the peer is a trusted proxy,
// X-Forwarded-For is walked from the right and the first untrusted hop
// wins; X-Real-IP is the fallback. Unparseable peers yield "unknown".
func ClientIP(r *http.Request, proxies Proxies) string {
	peer, ok := parseHost(r.RemoteAddr)
	if !ok {
		return "unknown"
	}
	if !proxies.trusts(peer) {
		return peer.String()
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, ok := parseHost(hops[i])
			if !ok {
				break
			}
			if !proxies.trusts(hop) || i == 0 {
				return hop.String()
			}
		}
	}
	if xr, ok := parseHost(r.Header.Get("X-Real-IP")); ok {
		return xr.String()
	}
	return peer.String()
}

func parseHost(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
