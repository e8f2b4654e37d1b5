package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrBodyTooLarge = errors.New("httpx: response body too large")

// Fetcher downloads small documents. Transport failures and 5xx answers are
// retried with doubling backoff; anything else is returned as is.
type Fetcher struct {
	Client   *http.Client
	Attempts int
	Backoff  time.Duration
	MaxBytes int64
}

// Fetched is a fully read response.
type Fetched struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r Fetched) OK() bool { return r.Status >= 200 && r.Status < 300 }

func NewFetcher(client *http.Client) *Fetcher {
	return &Fetcher{Client: client, Attempts: 2, Backoff: 200 * time.Millisecond, MaxBytes: 8 << 20}
}

func (f *Fetcher) Fetch(ctx context.Context, method, target string, header map[string]string) (Fetched, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	attempts := f.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := f.Backoff
	var (
		last    Fetched
		lastErr error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return Fetched{}, err
			}
			delay *= 2
		}
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return Fetched{}, err
		}
		for k, v := range header {
			req.Header.Set(k, v)
		}
		last, lastErr = f.once(client, req)
		if errors.Is(lastErr, ErrBodyTooLarge) {
			return Fetched{}, lastErr
		}
		if lastErr == nil && last.Status < 500 {
			return last, nil
		}
	}
	if lastErr != nil {
		return Fetched{}, fmt.Errorf("fetch %s: %w", target, lastErr)
	}
	return last, nil
}

func (f *Fetcher) once(client *http.Client, req *http.Request) (Fetched, error) {
	resp, err := client.Do(req)
	if err != nil {
		return Fetched{}, err
	}
	defer resp.Body.Close()
	limit := f.MaxBytes
	if limit <= 0 {
		limit = 8 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Fetched{}, err
	}
	if int64(len(body)) > limit {
		return Fetched{}, ErrBodyTooLarge
	}
	return Fetched{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
