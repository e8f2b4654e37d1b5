// Package billing receives Stripe webhooks: it verifies the signature and
// forwards the event to a publisher.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

// Received acknowledges a webhook.
type Received struct {
	EventID string `json:"eventId,omitempty"`
	Type    string `json:"type,omitempty"`
}

type Service struct {
	Verifier  *Verifier
	Publisher Publisher
	Logger    *slog.Logger
}

// HandleWebhook verifies and publishes one event. Bad signatures and
// malformed events are typed failures; publisher errors are returned as
// errors.
func (s *Service) HandleWebhook(ctx context.Context, body, signature string) (any, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if s.Verifier == nil || s.Verifier.Secret == "" {
		return result.Fail(result.CodeNotSupported, "This feature is not supported."), nil
	}
	if err := s.Verifier.Verify([]byte(body), signature); err != nil {
		logger.Warn("rejected stripe webhook", "error", err)
		return result.Fail(result.CodeUnacceptableRequest, "The webhook signature is invalid."), nil
	}
	var evt struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(body), &evt); err != nil || evt.ID == "" {
		return result.Fail(result.CodeUnacceptableRequest, "The webhook body must be a Stripe event."), nil
	}
	if s.Publisher != nil {
		if err := s.Publisher.Publish(ctx, Event{ID: evt.ID, Type: evt.Type, Payload: []byte(body)}); err != nil {
			return nil, fmt.Errorf("publish stripe event %s: %w", evt.ID, err)
		}
	}
	logger.Info("stripe webhook received", "event_id", evt.ID, "type", evt.Type)
	return result.OK(Received{EventID: evt.ID, Type: evt.Type}), nil
}
