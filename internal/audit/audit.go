// Package audit keeps a short-lived, per-account trail of signal evaluations and rule
// decisions for the status endpoint and debugging. Entries expire after a TTL.
package audit

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"signal-engine/internal/baseline"
	"signal-engine/internal/rules"
)

// Kind tags an entry.
type Kind string

const (
	KindEvaluation Kind = "evaluation"
	KindDecision   Kind = "decision"
)

// Entry is one audit record. Exactly one of Evaluation or Decision is set.
type Entry struct {
	Kind       Kind                       `json:"kind"`
	AccountID  string                     `json:"account_id"`
	Key        string                     `json:"key"`
	At         time.Time                  `json:"at"`
	Evaluation *baseline.SignalEvaluation `json:"evaluation,omitempty"`
	Decision   *DecisionRecord            `json:"decision,omitempty"`
}

// DecisionRecord is the loggable part of a rule decision.
type DecisionRecord struct {
	TriggerID string         `json:"trigger_id"`
	Version   int            `json:"version"`
	Outcome   rules.Outcome  `json:"outcome"`
	Severity  rules.Severity `json:"severity,omitempty"`
	DedupKey  string         `json:"dedup_key,omitempty"`
	AlertID   string         `json:"alert_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// Log is an in-memory TTL log.
type Log struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   clockwork.Clock
	entries map[string][]Entry
}

// New constructs a Log keeping entries for ttl.
func New(ttl time.Duration, clock clockwork.Clock) *Log {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Log{ttl: ttl, clock: clock, entries: make(map[string][]Entry)}
}

// RecordEvaluation appends an evaluation.
func (l *Log) RecordEvaluation(e baseline.SignalEvaluation) {
	l.append(Entry{Kind: KindEvaluation, AccountID: e.AccountID, Key: e.MetricKey, Evaluation: &e})
}

// RecordDecision appends a rule decision.
func (l *Log) RecordDecision(d rules.Decision) {
	l.append(Entry{
		Kind:      KindDecision,
		AccountID: d.AccountID,
		Key:       d.TriggerID,
		Decision: &DecisionRecord{
			TriggerID: d.TriggerID,
			Version:   d.TriggerVersion,
			Outcome:   d.Outcome,
			Severity:  d.Severity,
			DedupKey:  d.DedupKey,
			AlertID:   d.AlertID,
			Reason:    d.Reason,
		},
	})
}

func (l *Log) append(e Entry) {
	e.At = l.clock.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.AccountID] = append(l.entries[e.AccountID], e)
}

// Recent returns unexpired entries for an account, oldest first.
func (l *Log) Recent(accountID string) []Entry {
	cutoff := l.clock.Now().UTC().Add(-l.ttl)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries[accountID] {
		if e.At.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// LatestEvaluations returns the newest unexpired evaluation per metric.
func (l *Log) LatestEvaluations(accountID string) []baseline.SignalEvaluation {
	latest := make(map[string]baseline.SignalEvaluation)
	for _, e := range l.Recent(accountID) {
		if e.Evaluation != nil {
			latest[e.Key] = *e.Evaluation
		}
	}
	out := make([]baseline.SignalEvaluation, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricKey < out[j].MetricKey })
	return out
}

// Prune drops expired entries and returns how many were removed.
func (l *Log) Prune() int {
	cutoff := l.clock.Now().UTC().Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for acct, list := range l.entries {
		keep := list[:0]
		for _, e := range list {
			if e.At.After(cutoff) {
				keep = append(keep, e)
			} else {
				removed++
			}
		}
		if len(keep) == 0 {
			delete(l.entries, acct)
		} else {
			l.entries[acct] = keep
		}
	}
	return removed
}
