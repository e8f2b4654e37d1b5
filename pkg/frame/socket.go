package frame

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

const (
	TypeHTTPResponse        = "http_response"
	TypeHTTPPartialResponse = "http_partial_response"
)

// WireResponse is the response shape carried inside socket frames.
type WireResponse struct {
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body,omitempty"`
}

type HTTPResponseFrame struct {
	ID       any          `json:"id"`
	Response WireResponse `json:"response"`
}

type HTTPPartialResponseFrame struct {
	ID       any          `json:"id"`
	Index    int          `json:"index"`
	Final    bool         `json:"final,omitempty"`
	Response WireResponse `json:"response"`
}

// SendFunc delivers one frame payload of the given type to the peer.
type SendFunc func(ctx context.Context, frameType string, payload any) error

// Socket frames a tunnelled HTTP response. A stream becomes one partial
// frame per chunk; only index 0 carries status and headers, and only the
// last carries final. Anything else becomes a single http_response frame.
// Send errors stop the stream without further writes.
func Socket(ctx context.Context, id any, resp Response, send SendFunc) error {
	s, ok := resp.IsStream()
	if !ok {
		return send(ctx, TypeHTTPResponse, HTTPResponseFrame{ID: id, Response: wire(resp, resp.Body)})
	}
	defer s.Close()
	for index := 0; ; index++ {
		chunk, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			failure, _ := json.Marshal(result.ServerError())
			return send(ctx, TypeHTTPPartialResponse, HTTPPartialResponseFrame{
				ID:       id,
				Index:    index,
				Final:    true,
				Response: WireResponse{Body: json.RawMessage(failure)},
			})
		}
		frame := HTTPPartialResponseFrame{ID: id, Index: index, Final: chunk.Final}
		if index == 0 {
			frame.Response = wire(resp, chunk.Value)
		} else {
			frame.Response = WireResponse{Body: chunk.Value}
		}
		if err := send(ctx, TypeHTTPPartialResponse, frame); err != nil {
			return err
		}
		if chunk.Final {
			return nil
		}
	}
}

func wire(resp Response, body any) WireResponse {
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(map[string]string, len(resp.Headers))
	for k := range resp.Headers {
		headers[k] = resp.Headers.Get(k)
	}
	if b, ok := body.([]byte); ok {
		body = string(b)
	}
	return WireResponse{StatusCode: status, Headers: headers, Body: body}
}
