package dispatch

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/casual-simulation/casualos-sub007/pkg/frame"
	"github.com/casual-simulation/casualos-sub007/pkg/httpx"
	"github.com/casual-simulation/casualos-sub007/pkg/procedure"
	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

// ServeHTTP adapts the dispatcher to net/http.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			frame.WriteHTTP(r.Context(), w, frame.Format(result.Fail(result.CodeUnacceptableRequest, "The request body could not be read."), nil), d.logger)
			return
		}
		body = b
	}
	headers := r.Header.Clone()
	headers.Set("Host", r.Host)
	req := &procedure.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.Query(),
		Headers:   headers,
		Body:      body,
		IPAddress: httpx.ClientIP(r, d.trusted),
		Scope:     d.ScopeFor(r.Host),
		Raw:       r,
	}
	frame.WriteHTTP(r.Context(), w, d.Dispatch(r.Context(), req), d.logger)
}

// ScopeFor maps a Host header to its transport scope.
func (d *Dispatcher) ScopeFor(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if scope, ok := d.scopes[host]; ok && scope != "" {
		return scope
	}
	return procedure.ScopeDefault
}
