package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresRetryDelay   = 2 * time.Second
	postgresPingTimeout  = 2 * time.Second
	postgresSleep        = time.Sleep
)

// PostgresSettings describes the records database connection.
type PostgresSettings struct {
	URL             string
	RequireTLS      bool
	ApplicationName string
	MaxConns        int32
	// StatementTimeout bounds every statement on the pool's sessions. Zero
	// leaves the server default.
	StatementTimeout time.Duration
	ConnectAttempts  int
}

// PostgresConfigured reports whether the environment names a database.
func PostgresConfigured() bool {
	return strings.TrimSpace(os.Getenv("DATABASE_URL")) != "" || strings.TrimSpace(os.Getenv("DATABASE_HOST")) != ""
}

// PostgresSettingsFromEnv reads DATABASE_URL, or assembles a URL from the
// DATABASE_* parts.
func PostgresSettingsFromEnv() PostgresSettings {
	s := PostgresSettings{
		URL:             strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RequireTLS:      envFlag("DATABASE_REQUIRE_TLS"),
		ApplicationName: strings.TrimSpace(os.Getenv("DATABASE_APPLICATION_NAME")),
		MaxConns:        10,
		ConnectAttempts: 30,
	}
	if s.URL == "" {
		s.URL = postgresURLFromParts()
	}
	if s.ApplicationName == "" {
		s.ApplicationName = "records-dispatch"
	}
	if n := envPositive("DATABASE_MAX_CONNS"); n > 0 {
		s.MaxConns = int32(n)
	}
	if ms := envPositive("DATABASE_STATEMENT_TIMEOUT_MS"); ms > 0 {
		s.StatementTimeout = time.Duration(ms) * time.Millisecond
	}
	if n := envPositive("DATABASE_CONNECT_ATTEMPTS"); n > 0 {
		s.ConnectAttempts = n
	}
	return s
}

// NewPostgresPool opens a pool from the environment.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	return OpenPostgres(ctx, PostgresSettingsFromEnv())
}

// OpenPostgres connects and retries until the server answers a ping or the
// attempts run out.
func OpenPostgres(ctx context.Context, s PostgresSettings) (*pgxpool.Pool, error) {
	cfg, err := s.poolConfig()
	if err != nil {
		return nil, err
	}
	attempts := s.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			postgresSleep(postgresRetryDelay)
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", attempts, lastErr)
}

func (s PostgresSettings) poolConfig() (*pgxpool.Config, error) {
	if s.RequireTLS {
		if err := checkSSLMode(s.URL); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(s.URL)
	if err != nil {
		return nil, err
	}
	params := cfg.ConnConfig.RuntimeParams
	if params == nil {
		params = map[string]string{}
		cfg.ConnConfig.RuntimeParams = params
	}
	params["application_name"] = s.ApplicationName
	if s.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(s.StatementTimeout.Milliseconds(), 10)
	}
	if s.MaxConns > 0 {
		cfg.MaxConns = s.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	return cfg, nil
}

func postgresURLFromParts() string {
	part := func(key, def string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return def
	}
	port := part("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	u := &url.URL{
		Scheme:   "postgres",
		Host:     part("DATABASE_HOST", "localhost") + ":" + port,
		Path:     "/" + part("DATABASE_NAME", "records"),
		RawQuery: url.Values{"sslmode": {part("DATABASE_SSLMODE", "disable")}}.Encode(),
	}
	user := part("DATABASE_USER", "records")
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		u.User = url.UserPassword(user, pw)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

// checkSSLMode accepts only sslmodes that refuse plaintext.
func checkSSLMode(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); mode {
	case "require", "verify-ca", "verify-full":
		return nil
	case "":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but sslmode=%q allows plaintext", mode)
	}
}

func envFlag(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envPositive(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
