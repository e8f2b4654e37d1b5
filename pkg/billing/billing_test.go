package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
	"github.com/segmentio/kafka-go"
)

const secret = "whsec_test"

var eventBody = []byte(`{"id":"evt_123","type":"invoice.paid"}`)

func at(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func TestVerifyValidSignature(t *testing.T) {
	ts := int64(1_700_000_000)
	v := &Verifier{Secret: secret, Now: at(ts + 2)}
	if err := v.Verify(eventBody, SignatureHeader(secret, ts, eventBody)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyFailures(t *testing.T) {
	ts := int64(1_700_000_000)
	good := SignatureHeader(secret, ts, eventBody)
	cases := []struct {
		name   string
		header string
		now    int64
		want   error
	}{
		{"missing", "", ts, ErrMissingSignature},
		{"no v1", "t=1700000000", ts, ErrMissingSignature},
		{"bad timestamp", "t=abc,v1=00", ts, ErrMissingSignature},
		{"mismatch", "t=1700000000,v1=deadbeef", ts, ErrInvalidSignature},
		{"wrong secret", SignatureHeader("other", ts, eventBody), ts, ErrInvalidSignature},
		{"stale", good, ts + 301, ErrStaleSignature},
		{"future", good, ts - 301, ErrStaleSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := &Verifier{Secret: secret, Now: at(tc.now)}
			if err := v.Verify(eventBody, tc.header); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestVerifyAcceptsAnyOfSeveralSignatures(t *testing.T) {
	ts := int64(1_700_000_000)
	header := "t=1700000000,v1=zz,v1=deadbeef," + SignatureHeader(secret, ts, eventBody)[len("t=1700000000,"):]
	v := &Verifier{Secret: secret, Now: at(ts)}
	if err := v.Verify(eventBody, header); err != nil {
		t.Fatalf("expected one matching signature to pass, got %v", err)
	}
}

type fakePublisher struct {
	events []Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, evt Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, evt)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestHandleWebhook(t *testing.T) {
	ts := time.Now().Unix()
	pub := &fakePublisher{}
	s := &Service{Verifier: &Verifier{Secret: secret}, Publisher: pub}

	out, err := s.HandleWebhook(context.Background(), string(eventBody), SignatureHeader(secret, ts, eventBody))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, ok := out.(result.Result[Received])
	if !ok || got.Failure != nil || got.Value.EventID != "evt_123" || got.Value.Type != "invoice.paid" {
		t.Fatalf("unexpected result %#v", out)
	}
	if len(pub.events) != 1 || pub.events[0].ID != "evt_123" || pub.events[0].Type != "invoice.paid" || string(pub.events[0].Payload) != string(eventBody) {
		t.Fatalf("unexpected publish %+v", pub.events)
	}

	out, _ = s.HandleWebhook(context.Background(), string(eventBody), "t=1,v1=00")
	if f, ok := out.(*result.Failure); !ok || f.Code != result.CodeUnacceptableRequest {
		t.Fatalf("expected unacceptable_request, got %#v", out)
	}
	if len(pub.events) != 1 {
		t.Fatal("rejected webhook must not be published")
	}

	notEvent := []byte(`{"hello":"world"}`)
	out, _ = s.HandleWebhook(context.Background(), string(notEvent), SignatureHeader(secret, ts, notEvent))
	if f, ok := out.(*result.Failure); !ok || f.Code != result.CodeUnacceptableRequest {
		t.Fatalf("expected unacceptable_request for non-event, got %#v", out)
	}

	pub.err = errors.New("broker down")
	if _, err := s.HandleWebhook(context.Background(), string(eventBody), SignatureHeader(secret, ts, eventBody)); err == nil {
		t.Fatal("expected publisher error")
	}
}

func TestHandleWebhookWithoutSecret(t *testing.T) {
	out, err := (&Service{}).HandleWebhook(context.Background(), string(eventBody), "")
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := out.(*result.Failure); !ok || f.Code != result.CodeNotSupported {
		t.Fatalf("expected not_supported, got %#v", out)
	}
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	for _, cfg := range []KafkaConfig{
		{Topic: "billing"},
		{Brokers: []string{" ", "\t"}, Topic: "billing"},
		{Brokers: []string{"127.0.0.1:9092"}, Topic: "  "},
	} {
		if _, err := NewKafkaPublisher(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092"}, Topic: " billing "})
	if err != nil {
		t.Fatalf("valid config: %v", err)
	}
	kw := p.w.(*kafka.Writer)
	if kw.Topic != "billing" || kw.Addr.String() != "127.0.0.1:9092" {
		t.Fatalf("writer topic=%q addr=%q", kw.Topic, kw.Addr.String())
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaPublisherMessages(t *testing.T) {
	var unset *KafkaPublisher
	if err := unset.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if err := unset.Publish(context.Background(), Event{ID: "evt_0"}); err == nil {
		t.Fatal("nil publisher should fail")
	}

	w := &recordingWriter{}
	p := &KafkaPublisher{w: w}
	if err := p.Publish(context.Background(), Event{ID: "evt_1", Type: "invoice.paid", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Publish(context.Background(), Event{ID: "evt_2"}); err != nil {
		t.Fatalf("publish untyped: %v", err)
	}
	if len(w.msgs) != 2 || string(w.msgs[0].Key) != "evt_1" || string(w.msgs[0].Value) != "{}" {
		t.Fatalf("messages %+v", w.msgs)
	}
	if h := w.msgs[0].Headers; len(h) != 1 || h[0].Key != eventTypeHeader || string(h[0].Value) != "invoice.paid" {
		t.Fatalf("headers %+v", h)
	}
	if len(w.msgs[1].Headers) != 0 {
		t.Fatalf("untyped event should carry no headers, got %+v", w.msgs[1].Headers)
	}
	w.err = errors.New("write failed")
	if err := p.Publish(context.Background(), Event{ID: "evt_3"}); err == nil {
		t.Fatal("expected writer error")
	}
}
