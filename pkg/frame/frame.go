// Package frame turns handler results into transport responses: a single
// JSON body, a newline-delimited JSON stream over HTTP, or indexed partial
// response frames over the socket tunnel.
package frame

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeNDJSON = "application/x-ndjson"
)

// Response is the transport-neutral result of a dispatch. Body is a string
// (already serialized), a Stream, or nil.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       any
}

// IsStream reports whether the body is an open-ended stream.
func (r Response) IsStream() (Stream, bool) {
	s, ok := r.Body.(Stream)
	return s, ok
}

var statusByCode = map[result.Code]int{
	result.CodeUnacceptableRequest:      http.StatusBadRequest,
	result.CodeNotLoggedIn:              http.StatusUnauthorized,
	result.CodeUnacceptableSessionKey:   http.StatusUnauthorized,
	result.CodeNotAuthorized:            http.StatusForbidden,
	result.CodeInvalidOrigin:            http.StatusForbidden,
	result.CodeOperationNotFound:        http.StatusNotFound,
	result.CodeParentNotFound:           http.StatusNotFound,
	result.CodeDataNotFound:             http.StatusNotFound,
	result.CodeRecordNotFound:           http.StatusNotFound,
	result.CodeActionNotSupported:       http.StatusBadRequest,
	result.CodeNotSupported:             http.StatusNotImplemented,
	result.CodeSubscriptionLimitReached: http.StatusForbidden,
	result.CodeRateLimitExceeded:        http.StatusTooManyRequests,
	result.CodeServerError:              http.StatusInternalServerError,
}

// StatusCode derives the HTTP status from a result value. Values that do
// not carry a success flag count as successful.
func StatusCode(v any) int {
	o, ok := v.(result.Outcome)
	if !ok || o.Succeeded() {
		return http.StatusOK
	}
	if status, ok := statusByCode[o.FailureCode()]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Format builds a response from a handler result.
func Format(v any, headers http.Header) Response {
	if headers == nil {
		headers = http.Header{}
	}
	if s, ok := v.(Stream); ok {
		headers.Set("Content-Type", ContentTypeNDJSON)
		return Response{StatusCode: http.StatusOK, Headers: headers, Body: s}
	}
	body, err := json.Marshal(v)
	if err != nil {
		body, _ = json.Marshal(result.ServerError())
		headers.Set("Content-Type", ContentTypeJSON)
		return Response{StatusCode: http.StatusInternalServerError, Headers: headers, Body: string(body)}
	}
	headers.Set("Content-Type", ContentTypeJSON)
	return Response{StatusCode: StatusCode(v), Headers: headers, Body: string(body)}
}

// WriteHTTP writes resp to w. Stream chunks are flushed as they arrive and
// the completion value is written as the last, unterminated line. A write
// failure means the client left; the stream is closed and the rest dropped.
func WriteHTTP(ctx context.Context, w http.ResponseWriter, resp Response, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	s, ok := resp.IsStream()
	if !ok {
		w.WriteHeader(status)
		switch body := resp.Body.(type) {
		case string:
			_, _ = io.WriteString(w, body)
		case []byte:
			_, _ = w.Write(body)
		}
		return
	}
	defer s.Close()
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)
	for {
		chunk, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("stream producer failed", "error", err)
				b, _ := json.Marshal(result.ServerError())
				_, _ = w.Write(b)
			}
			return
		}
		line, err := json.Marshal(chunk.Value)
		if err != nil {
			logger.Error("stream chunk not serializable", "error", err)
			return
		}
		if !chunk.Final {
			line = append(line, '\n')
		}
		if _, err := w.Write(line); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if chunk.Final {
			return
		}
	}
}
