package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

func testIntent() Intent {
	due := time.Date(2026, 7, 2, 9, 0, 0, 0, time.UTC)
	return Intent{
		ID:        "intent-1",
		Channel:   ChannelTask,
		Template:  "usage-drop-followup",
		AccountID: "acct-42",
		AlertID:   "alert-7",
		Priority:  "high",
		DueAt:     &due,
		Payload:   map[string]any{"message": "usage fell 40% vs baseline"},
	}
}

func TestWebhookGatewaySuccess(t *testing.T) {
	var received map[string]any
	var idem, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/intents/task") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		idem = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	gw := NewWebhookGateway(srv.URL+"/", "secret", time.Second, zerolog.Nop())
	if err := gw.Deliver(context.Background(), testIntent()); err != nil {
		t.Fatalf("deliver should succeed: %v", err)
	}
	if idem != "intent-1" {
		t.Fatalf("idempotency key = %q", idem)
	}
	if auth != "Bearer secret" {
		t.Fatalf("authorization = %q", auth)
	}
	if received["account_id"] != "acct-42" {
		t.Fatalf("account_id not forwarded: %#v", received)
	}
	if text, _ := received["text"].(string); !strings.Contains(text, "Priority: high") {
		t.Fatalf("text should be rendered, got %q", text)
	}
}

func TestWebhookGatewayNack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "unknown template"})
	}))
	defer srv.Close()

	err := NewWebhookGateway(srv.URL, "", time.Second, zerolog.Nop()).Deliver(context.Background(), testIntent())
	if !errors.Is(err, ErrNack) {
		t.Fatalf("ok=false should nack, got %v", err)
	}
}

func TestWebhookGatewayServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookGateway(srv.URL, "", time.Second, zerolog.Nop()).Deliver(context.Background(), testIntent())
	if err == nil || errors.Is(err, ErrNack) {
		t.Fatalf("5xx should be a transport error, got %v", err)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaGatewayKeysByAccount(t *testing.T) {
	w := &fakeWriter{}
	gw := NewKafkaGatewayWithWriter(w, zerolog.Nop())
	if err := gw.Deliver(context.Background(), testIntent()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "acct-42" {
		t.Fatalf("key = %q", msg.Key)
	}
	var decoded Intent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.ID != "intent-1" || decoded.Channel != ChannelTask {
		t.Fatalf("unexpected intent %#v", decoded)
	}

	w.err = errors.New("broker down")
	if err := gw.Deliver(context.Background(), testIntent()); err == nil {
		t.Fatal("writer failure should surface")
	}
}

type scriptedGateway struct {
	errs  []error
	calls int
}

func (s *scriptedGateway) Deliver(context.Context, Intent) error {
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func TestBreakerTripsOnTransportFailuresOnly(t *testing.T) {
	nack := errors.Join(ErrNack, errors.New("invalid template"))
	inner := &scriptedGateway{errs: []error{nack, nack, nack, errors.New("dial"), errors.New("dial")}}
	b := NewBreaker("test", inner, BreakerConfig{FailureThreshold: 2, Timeout: time.Hour}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := b.Deliver(context.Background(), testIntent()); !errors.Is(err, ErrNack) {
			t.Fatalf("call %d: expected nack, got %v", i, err)
		}
	}
	if b.State() != gobreaker.StateClosed {
		t.Fatalf("nacks must not open the breaker")
	}

	_ = b.Deliver(context.Background(), testIntent())
	_ = b.Deliver(context.Background(), testIntent())
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("breaker should be open, got %s", b.State())
	}

	err := b.Deliver(context.Background(), testIntent())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if inner.calls != 5 {
		t.Fatalf("open breaker must not call the gateway, calls=%d", inner.calls)
	}
}

func TestRecorderFail(t *testing.T) {
	r := NewRecorder()
	r.Fail(1)
	if err := r.Deliver(context.Background(), testIntent()); !errors.Is(err, ErrNack) {
		t.Fatalf("expected nack, got %v", err)
	}
	if err := r.Deliver(context.Background(), testIntent()); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if len(r.Intents()) != 1 {
		t.Fatalf("expected 1 recorded intent")
	}
}
