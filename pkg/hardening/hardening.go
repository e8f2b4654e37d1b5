// Package hardening refuses insecure deployments in production-like
// environments.
package hardening

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// Deployment describes the settings checked before a production-like
// server starts.
type Deployment struct {
	Service     string
	Environment string
	// Lax disables every check. It maps to STRICT_PROD_SECURITY=false.
	Lax bool

	DatabaseConfigured bool
	DatabaseTLS        bool
	RedisConfigured    bool
	RedisTLS           bool
	RedisSkipVerify    bool

	// Origins maps an origin class (account, api) to its allowed origins.
	Origins map[string][]string
	// SocketPatterns are the websocket accept patterns.
	SocketPatterns []string
	// Secrets maps a variable name to its value. Empty values fail.
	Secrets map[string]string
}

// Violation is one failed check.
type Violation struct {
	Setting string
	Problem string
}

func (v *Violation) Error() string { return v.Setting + ": " + v.Problem }

// ValidateProduction returns every violation joined, prefixed with the
// service name. Non-production environments always pass.
func ValidateProduction(d Deployment) error {
	if d.Lax || !IsProductionLike(d.Environment) {
		return nil
	}
	var errs []error
	add := func(setting, problem string, args ...any) {
		errs = append(errs, &Violation{Setting: setting, Problem: fmt.Sprintf(problem, args...)})
	}
	if d.DatabaseConfigured && !d.DatabaseTLS {
		add("DATABASE_REQUIRE_TLS", "must be true")
	}
	if d.RedisConfigured && !d.RedisTLS {
		add("REDIS_REQUIRE_TLS", "must be true")
	}
	if d.RedisConfigured && d.RedisSkipVerify {
		add("REDIS_TLS_INSECURE", "certificate verification cannot be skipped")
	}
	for _, class := range sortedKeys(d.Origins) {
		checkOrigins(class, d.Origins[class], add)
	}
	for _, p := range d.SocketPatterns {
		if strings.TrimSpace(p) == "*" {
			add("SOCKET_ORIGIN_PATTERNS", "wildcard pattern is not allowed")
		}
	}
	for _, name := range sortedKeys(d.Secrets) {
		if strings.TrimSpace(d.Secrets[name]) == "" {
			add(name, "is required")
		}
	}
	if len(errs) == 0 {
		return nil
	}
	service := strings.TrimSpace(d.Service)
	if service == "" {
		service = "service"
	}
	return fmt.Errorf("%s: production hardening failed: %w", service, errors.Join(errs...))
}

func checkOrigins(class string, origins []string, add func(string, string, ...any)) {
	setting := strings.ToUpper(class) + "_ORIGINS"
	seen := 0
	for _, raw := range origins {
		o := strings.TrimSpace(raw)
		if o == "" {
			continue
		}
		seen++
		if o == "*" {
			add(setting, "wildcard origin is not allowed")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			add(setting, "%q is not an origin", o)
			continue
		}
		if isLoopback(u.Hostname()) {
			add(setting, "loopback origin %q is not allowed", o)
			continue
		}
		if !strings.EqualFold(u.Scheme, "https") {
			add(setting, "origin %q must use https", o)
		}
	}
	if seen == 0 {
		add(setting, "at least one origin is required")
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// IsProductionLike reports whether env names a production or staging
// deployment.
func IsProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
