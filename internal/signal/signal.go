// Package signal holds the raw per-account facts the engine reasons over:
// metric samples (time series) and discrete events.
package signal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EventAccountProfile carries account attributes; payload key "segment" sets the segment.
const EventAccountProfile = "account.profile"

var (
	// ErrInvalidSample reports a sample that cannot be ingested.
	ErrInvalidSample = errors.New("signal: invalid sample")
	// ErrInvalidEvent reports an event that cannot be ingested.
	ErrInvalidEvent = errors.New("signal: invalid event")
)

// MetricSample is one immutable observation of a metric for an account.
type MetricSample struct {
	AccountID string    `json:"account_id"`
	MetricKey string    `json:"metric_key"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Normalize returns the sample with a UTC timestamp at microsecond precision,
// matching what Postgres stores so dedup keys agree across backends.
func (s MetricSample) Normalize() MetricSample {
	s.AccountID = strings.TrimSpace(s.AccountID)
	s.MetricKey = strings.TrimSpace(s.MetricKey)
	s.Timestamp = s.Timestamp.UTC().Truncate(time.Microsecond)
	return s
}

// Validate checks required fields.
func (s MetricSample) Validate() error {
	switch {
	case s.AccountID == "":
		return fmt.Errorf("%w: account_id is required", ErrInvalidSample)
	case s.MetricKey == "":
		return fmt.Errorf("%w: metric_key is required", ErrInvalidSample)
	case s.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidSample)
	case math.IsNaN(s.Value) || math.IsInf(s.Value, 0):
		return fmt.Errorf("%w: value must be finite", ErrInvalidSample)
	}
	return nil
}

// DedupKey identifies the sample under at-least-once delivery.
func (s MetricSample) DedupKey() string {
	return strings.Join([]string{
		s.AccountID,
		s.MetricKey,
		strconv.FormatInt(s.Timestamp.UnixMicro(), 10),
		strconv.FormatFloat(s.Value, 'g', -1, 64),
	}, "|")
}

// Event is a discrete account fact such as a ticket opened or a stakeholder leaving.
type Event struct {
	AccountID string         `json:"account_id"`
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Normalize mirrors MetricSample.Normalize.
func (e Event) Normalize() Event {
	e.AccountID = strings.TrimSpace(e.AccountID)
	e.Type = strings.TrimSpace(e.Type)
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	return e
}

// Validate checks required fields.
func (e Event) Validate() error {
	switch {
	case e.AccountID == "":
		return fmt.Errorf("%w: account_id is required", ErrInvalidEvent)
	case e.Type == "":
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	return nil
}

// Fingerprint hashes the payload; encoding/json sorts map keys so the result is canonical.
func (e Event) Fingerprint() string {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		body = []byte(fmt.Sprintf("%v", e.Payload))
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// DedupKey identifies the event under at-least-once delivery.
func (e Event) DedupKey() string {
	return strings.Join([]string{
		e.AccountID,
		e.Type,
		strconv.FormatInt(e.Timestamp.UnixMicro(), 10),
		e.Fingerprint(),
	}, "|")
}

// PayloadString returns payload[key] rendered as a string.
func (e Event) PayloadString(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// Store is the append-only signal store.
type Store interface {
	// AppendSample stores a sample; inserted is false when it was a duplicate.
	AppendSample(ctx context.Context, sample MetricSample) (inserted bool, err error)
	// AppendEvent stores an event; inserted is false when it was a duplicate.
	AppendEvent(ctx context.Context, event Event) (inserted bool, err error)
	// SamplesBetween lists samples with from <= ts < to in timestamp order.
	SamplesBetween(ctx context.Context, accountID, metricKey string, from, to time.Time) ([]MetricSample, error)
	LatestSample(ctx context.Context, accountID, metricKey string) (MetricSample, bool, error)
	// EventsSince lists events at or after since in timestamp order; empty eventType matches all.
	EventsSince(ctx context.Context, accountID, eventType string, since time.Time) ([]Event, error)
	Accounts(ctx context.Context) ([]string, error)
	Metrics(ctx context.Context, accountID string) ([]string, error)
	SetSegment(ctx context.Context, accountID, segment string) error
	Segment(ctx context.Context, accountID string) (string, error)
	// PruneBefore drops samples and events older than cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
