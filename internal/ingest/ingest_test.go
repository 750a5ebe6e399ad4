package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/signal"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	drained   chan struct{}
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, v := range values {
		r.msgs = append(r.msgs, kafka.Message{Topic: "signals", Offset: int64(i), Value: []byte(v)})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	if len(r.msgs) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeSink struct {
	mu       sync.Mutex
	samples  []signal.MetricSample
	events   []signal.Event
	failures int
}

func (s *fakeSink) SubmitMetricSample(_ context.Context, sample signal.MetricSample) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return false, errors.New("database unavailable")
	}
	sample = sample.Normalize()
	if err := sample.Validate(); err != nil {
		return false, err
	}
	s.samples = append(s.samples, sample)
	return true, nil
}

func (s *fakeSink) SubmitEvent(_ context.Context, event signal.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event = event.Normalize()
	if err := event.Validate(); err != nil {
		return false, err
	}
	s.events = append(s.events, event)
	return true, nil
}

func TestDecode(t *testing.T) {
	d, err := Decode([]byte(`{"account_id":"acme","metric_key":"usage","value":0,"timestamp":"2026-07-01T00:00:00Z"}`))
	require.NoError(t, err)
	require.NotNil(t, d.Sample)
	assert.Equal(t, 0.0, d.Sample.Value)

	d, err = Decode([]byte(`{"kind":"event","account_id":"acme","event_type":"ticket.opened","payload":{"priority":"p1"},"timestamp":"2026-07-01T00:00:00Z"}`))
	require.NoError(t, err)
	require.NotNil(t, d.Event)
	assert.Equal(t, "p1", d.Event.Payload["priority"])

	_, err = Decode([]byte(`{"account_id":"acme","metric_key":"usage"}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Decode([]byte(`{"account_id":"acme"}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestConsumerCommitsAfterSubmit(t *testing.T) {
	reader := newFakeReader(
		`{"account_id":"acme","metric_key":"usage","value":42,"timestamp":"2026-07-01T00:00:00Z"}`,
		`garbage`,
		`{"account_id":"","metric_key":"usage","value":1,"timestamp":"2026-07-01T00:00:00Z"}`,
		`{"account_id":"acme","event_type":"ticket.opened","timestamp":"2026-07-01T01:00:00Z"}`,
	)
	sink := &fakeSink{failures: 2}
	c := NewConsumerWithReader(reader, sink, zerolog.Nop())
	c.backoff = time.Millisecond
	c.ceiling = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the reader")
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{0, 1, 2, 3}, reader.committed)
	require.Len(t, sink.samples, 1)
	assert.Equal(t, 42.0, sink.samples[0].Value)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "ticket.opened", sink.events[0].Type)
}
