package signal

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreDeduplicatesSamples(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sample := MetricSample{AccountID: "acct-1", MetricKey: "usage", Timestamp: ts, Value: 42}

	inserted, err := store.AppendSample(ctx, sample)
	if err != nil || !inserted {
		t.Fatalf("first append should insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = store.AppendSample(ctx, sample)
	if err != nil || inserted {
		t.Fatalf("duplicate append should be ignored: inserted=%v err=%v", inserted, err)
	}

	// Same timestamp, different value is a distinct fact.
	other := sample
	other.Value = 43
	if inserted, _ := store.AppendSample(ctx, other); !inserted {
		t.Fatal("sample with different value should insert")
	}

	got, _ := store.SamplesBetween(ctx, "acct-1", "usage", ts.Add(-time.Hour), ts.Add(time.Hour))
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestMemoryStoreKeepsTimestampOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []int{3, 1, 2, 0} {
		if _, err := store.AppendSample(ctx, MetricSample{AccountID: "a", MetricKey: "m", Timestamp: base.Add(time.Duration(offset) * time.Hour), Value: float64(offset)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, _ := store.SamplesBetween(ctx, "a", "m", base, base.Add(24*time.Hour))
	for i := range got {
		if got[i].Value != float64(i) {
			t.Fatalf("samples out of order: %+v", got)
		}
	}
	latest, ok, _ := store.LatestSample(ctx, "a", "m")
	if !ok || latest.Value != 3 {
		t.Fatalf("latest sample should be the newest timestamp, got %+v", latest)
	}
}

func TestMemoryStoreEventDedupUsesPayload(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ev := Event{AccountID: "a", Type: "ticket.opened", Timestamp: ts, Payload: map[string]any{"ticketId": "T-1"}}

	if ok, _ := store.AppendEvent(ctx, ev); !ok {
		t.Fatal("first event should insert")
	}
	if ok, _ := store.AppendEvent(ctx, ev); ok {
		t.Fatal("duplicate event should be ignored")
	}
	ev.Payload = map[string]any{"ticketId": "T-2"}
	if ok, _ := store.AppendEvent(ctx, ev); !ok {
		t.Fatal("event with different payload should insert")
	}
}

func TestMemoryStorePrune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for day := 0; day < 10; day++ {
		_, _ = store.AppendSample(ctx, MetricSample{AccountID: "a", MetricKey: "m", Timestamp: base.AddDate(0, 0, day), Value: 1})
	}

	removed, err := store.PruneBefore(ctx, base.AddDate(0, 0, 4))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 4 {
		t.Fatalf("expected 4 removed, got %d", removed)
	}
	left, _ := store.SamplesBetween(ctx, "a", "m", base, base.AddDate(1, 0, 0))
	if len(left) != 6 {
		t.Fatalf("expected 6 samples left, got %d", len(left))
	}
}

func TestMemoryStorePruneForgetsDedupKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := MetricSample{AccountID: "a", MetricKey: "m", Timestamp: base, Value: 1}
	kept := MetricSample{AccountID: "a", MetricKey: "m", Timestamp: base.AddDate(0, 0, 5), Value: 1}
	ev := Event{AccountID: "a", Type: "support.ticket", Timestamp: base}
	_, _ = store.AppendSample(ctx, old)
	_, _ = store.AppendSample(ctx, kept)
	_, _ = store.AppendEvent(ctx, ev)

	if _, err := store.PruneBefore(ctx, base.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(store.seen) != 1 {
		t.Fatalf("expected 1 dedup key left, got %d", len(store.seen))
	}
	if ok, _ := store.AppendSample(ctx, kept); ok {
		t.Fatal("surviving sample should still be deduplicated")
	}
	if ok, _ := store.AppendEvent(ctx, ev); !ok {
		t.Fatal("pruned event should be accepted again")
	}
}

func TestSampleValidate(t *testing.T) {
	if err := (MetricSample{MetricKey: "m", Timestamp: time.Now()}).Validate(); err == nil {
		t.Fatal("missing account should fail validation")
	}
	if err := (Event{AccountID: "a", Timestamp: time.Now()}).Validate(); err == nil {
		t.Fatal("missing event type should fail validation")
	}
}
