// Package origin decides whether a request's Origin is admitted by a
// procedure's allow policy and writes the matching CORS headers.
package origin

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Kind tags the four policy shapes.
type Kind int

const (
	KindExplicit Kind = iota
	KindAll
	KindAccount
	KindAPI
)

// Policy is an allowed-origin policy: an explicit set, every origin, or one
// of the two configured classes.
type Policy struct {
	Kind    Kind
	Origins map[string]struct{}
}

var (
	All     = Policy{Kind: KindAll}
	Account = Policy{Kind: KindAccount}
	API     = Policy{Kind: KindAPI}
)

// Explicit builds a policy that only admits the given origins.
func Explicit(origins ...string) Policy {
	return Policy{Kind: KindExplicit, Origins: toSet(origins)}
}

func (p Policy) String() string {
	switch p.Kind {
	case KindAll:
		return "all"
	case KindAccount:
		return "account"
	case KindAPI:
		return "api"
	}
	out := make([]string, 0, len(p.Origins))
	for o := range p.Origins {
		out = append(out, o)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// DomainVerifier reports whether a host is a verified custom domain.
type DomainVerifier interface {
	IsVerified(ctx context.Context, host string) (bool, error)
}

// Decision is the outcome of an admission check. Policy is the policy that
// admitted the caller, which can differ from the requested one after the
// custom-domain fallback.
type Decision struct {
	Allowed bool
	Origin  string
	Policy  Policy
}

// Checker evaluates policies against configured origin classes.
type Checker struct {
	AccountOrigins map[string]struct{}
	APIOrigins     map[string]struct{}
	Domains        DomainVerifier
	Logger         *slog.Logger
}

func NewChecker(accountOrigins, apiOrigins []string, domains DomainVerifier, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		AccountOrigins: toSet(accountOrigins),
		APIOrigins:     toSet(apiOrigins),
		Domains:        domains,
		Logger:         logger,
	}
}

// Admit evaluates the policy for the given origin header and host.
func (c *Checker) Admit(ctx context.Context, policy Policy, originHeader, host string) Decision {
	originHeader = strings.TrimSpace(originHeader)
	if c.admits(policy, originHeader) {
		return Decision{Allowed: true, Origin: originHeader, Policy: policy}
	}
	if policy.Kind == KindAPI && c.customDomain(ctx, originHeader, host) {
		return Decision{Allowed: true, Origin: originHeader, Policy: All}
	}
	return Decision{Allowed: false, Origin: originHeader, Policy: policy}
}

func (c *Checker) admits(policy Policy, originHeader string) bool {
	if originHeader == "" {
		return true
	}
	switch policy.Kind {
	case KindAll:
		return true
	case KindAccount:
		return contains(c.AccountOrigins, originHeader)
	case KindAPI:
		return contains(c.APIOrigins, originHeader)
	default:
		return contains(policy.Origins, originHeader)
	}
}

func (c *Checker) customDomain(ctx context.Context, originHeader, host string) bool {
	if c.Domains == nil || originHeader == "" || host == "" {
		return false
	}
	u, err := url.Parse(originHeader)
	if err != nil || u.Host == "" {
		return false
	}
	if !strings.EqualFold(u.Host, host) {
		return false
	}
	verified, err := c.Domains.IsVerified(ctx, hostname(host))
	if err != nil {
		c.Logger.Error("custom domain lookup failed", "host", host, "error", err)
		return false
	}
	return verified
}

// Headers returns the CORS response headers for an admitted decision and nil
// otherwise. Allow-Origin always echoes the caller's origin.
func Headers(d Decision) http.Header {
	h := http.Header{}
	if !d.Allowed || d.Origin == "" {
		return h
	}
	h.Set("Access-Control-Allow-Origin", d.Origin)
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	h.Add("Vary", "Origin")
	return h
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(host)
}

func contains(set map[string]struct{}, v string) bool {
	_, ok := set[v]
	return ok
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out[item] = struct{}{}
		}
	}
	return out
}
