package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTLS names the files and flags for a TLS connection to Redis.
type RedisTLS struct {
	Enabled    bool
	SkipVerify bool
	// AllowSkipVerify must accompany SkipVerify.
	AllowSkipVerify bool
	ServerName      string
	CAFile          string
	CertFile        string
	KeyFile         string
}

// RedisSettings describes the cache and rate-limit Redis.
type RedisSettings struct {
	URL        string
	Addr       string
	Password   string
	DB         int
	RequireTLS bool
	TLS        RedisTLS
}

// RedisSettingsFromEnv reads REDIS_URL, or REDIS_ADDR, REDIS_PASSWORD and
// REDIS_DB, plus the REDIS_TLS_* variables.
func RedisSettingsFromEnv() RedisSettings {
	s := RedisSettings{
		URL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		Addr:       strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password:   os.Getenv("REDIS_PASSWORD"),
		RequireTLS: envFlag("REDIS_REQUIRE_TLS"),
		TLS: RedisTLS{
			Enabled:         envFlag("REDIS_TLS"),
			SkipVerify:      envFlag("REDIS_TLS_INSECURE"),
			AllowSkipVerify: envFlag("REDIS_ALLOW_INSECURE_TLS"),
			ServerName:      strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
			CAFile:          strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
			CertFile:        strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE")),
			KeyFile:         strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE")),
		},
	}
	if s.Addr == "" {
		s.Addr = "localhost:6379"
	}
	if db, err := strconv.Atoi(strings.TrimSpace(os.Getenv("REDIS_DB"))); err == nil && db >= 0 {
		s.DB = db
	}
	return s
}

// NewRedis connects with settings from the environment.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	return OpenRedis(ctx, RedisSettingsFromEnv())
}

// OpenRedis builds a client and pings it once.
func OpenRedis(ctx context.Context, s RedisSettings) (*redis.Client, error) {
	opts, err := s.options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func (s RedisSettings) options() (*redis.Options, error) {
	opts := &redis.Options{Addr: s.Addr, Password: s.Password, DB: s.DB}
	if s.URL != "" {
		parsed, err := redis.ParseURL(s.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		opts = parsed
	}
	cfg, err := s.TLS.config()
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		opts.TLSConfig = cfg
	}
	if s.RequireTLS && opts.TLSConfig == nil {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but neither REDIS_TLS nor a rediss:// URL enables TLS")
	}
	return opts, nil
}

func (t RedisTLS) config() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: t.ServerName}
	if t.SkipVerify {
		if !t.AllowSkipVerify {
			return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(filepath.Clean(t.CAFile))
		if err != nil {
			return nil, fmt.Errorf("redis ca: %w", err)
		}
		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis ca %s: no certificates", t.CAFile)
		}
	}
	switch {
	case t.CertFile == "" && t.KeyFile == "":
	case t.CertFile == "" || t.KeyFile == "":
		return nil, errors.New("redis client certificate needs both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE")
	default:
		pair, err := tls.LoadX509KeyPair(filepath.Clean(t.CertFile), filepath.Clean(t.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("redis client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
