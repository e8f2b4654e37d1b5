package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	domainVerified   = "1"
	domainUnverified = "0"
)

// DomainVerifier answers whether a host is a verified custom domain. Lookups
// hit Postgres and are cached, including negative answers.
type DomainVerifier struct {
	DB    DB
	Cache Cache
	TTL   time.Duration
}

func NewDomainVerifier(db DB, cache Cache, ttl time.Duration) *DomainVerifier {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DomainVerifier{DB: db, Cache: cache, TTL: ttl}
}

func domainKey(host string) string { return "domain:verified:" + host }

func (v *DomainVerifier) IsVerified(ctx context.Context, host string) (bool, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false, nil
	}
	if v.Cache != nil {
		cached, err := v.Cache.Get(ctx, domainKey(host))
		switch {
		case err == nil:
			return cached == domainVerified, nil
		case !errors.Is(err, ErrCacheMiss):
			return false, fmt.Errorf("domain cache: %w", err)
		}
	}
	if v.DB == nil {
		return false, nil
	}
	var verified bool
	err := v.DB.QueryRow(ctx, `SELECT verified_at IS NOT NULL FROM custom_domains WHERE domain = $1`, host).Scan(&verified)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("domain lookup: %w", err)
	}
	if v.Cache != nil {
		val := domainUnverified
		if verified {
			val = domainVerified
		}
		_ = v.Cache.Set(ctx, domainKey(host), val, v.TTL)
	}
	return verified, nil
}
