package dedupe

import (
	"context"
	"testing"
	"time"

	"alarmguard/internal/config"
	"alarmguard/internal/kv"
	"alarmguard/internal/model"
)

func testConfig() config.DedupConfig {
	return config.DedupConfig{Enabled: true, RawTTL: 60 * time.Second, BurstWindow: 10 * time.Second}
}

func event(ts time.Time, msg string) *model.CanonicalEvent {
	return &model.CanonicalEvent{
		Timestamp:  ts,
		SiteCode:   "69000",
		EventType:  "APPARITION",
		RawMessage: msg,
		ZoneLabel:  "1",
	}
}

func TestBurstCollapsesWithinBucket(t *testing.T) {
	svc := NewService(kv.NewMemory(), testConfig())
	ctx := context.Background()
	base := time.Date(2026, 1, 27, 15, 24, 20, 0, time.UTC)

	first := event(base, "Intrusion Zone 1")
	res, err := svc.Check(ctx, first)
	if err != nil || res.Duplicate() {
		t.Fatalf("first event must be kept: %+v %v", res, err)
	}
	second := event(base.Add(3*time.Second), "Intrusion Zone 1 bis")
	res, _ = svc.Check(ctx, second)
	if !res.Burst || res.Raw || second.DupCount != 1 {
		t.Fatalf("same bucket should collapse: %+v dup=%d", res, second.DupCount)
	}
	third := event(base.Add(5*time.Second), "Intrusion Zone 1 ter")
	res, _ = svc.Check(ctx, third)
	if !res.Duplicate() {
		t.Fatalf("third in bucket should collapse")
	}
}

func TestAdjacentBucketsDoNotCollapse(t *testing.T) {
	svc := NewService(kv.NewMemory(), testConfig())
	ctx := context.Background()
	edge := time.Date(2026, 1, 27, 15, 24, 29, 0, time.UTC)
	if res, _ := svc.Check(ctx, event(edge, "a")); res.Duplicate() {
		t.Fatalf("first kept")
	}
	if res, _ := svc.Check(ctx, event(edge.Add(time.Second), "b")); res.Duplicate() {
		t.Fatalf("next bucket must not collapse")
	}
}

func TestRawKeyCatchesExactRepeat(t *testing.T) {
	svc := NewService(kv.NewMemory(), testConfig())
	ctx := context.Background()
	ts := time.Date(2026, 1, 27, 15, 24, 25, 0, time.UTC)
	a := event(ts, "same")
	a.ZoneLabel = "1"
	b := event(ts, "same")
	b.ZoneLabel = "2"
	svc.Check(ctx, a)
	res, _ := svc.Check(ctx, b)
	if !res.Raw || res.Burst {
		t.Fatalf("raw repeat on another zone: %+v", res)
	}
}

func TestDisabledNeverFlags(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	svc := NewService(kv.NewMemory(), cfg)
	ts := time.Date(2026, 1, 27, 15, 24, 25, 0, time.UTC)
	svc.Check(context.Background(), event(ts, "x"))
	if res, _ := svc.Check(context.Background(), event(ts, "x")); res.Duplicate() {
		t.Fatalf("disabled service flagged a duplicate")
	}
	if Bucket(ts, 10*time.Second) != ts.Unix()/10 {
		t.Fatalf("bucket")
	}
}

func TestBatchTouchesCountersOnlyOnCommit(t *testing.T) {
	mem := kv.NewMemory()
	svc := NewService(mem, testConfig())
	ctx := context.Background()
	ts := time.Date(2026, 1, 27, 15, 24, 25, 0, time.UTC)

	batch := svc.NewBatch()
	if res, _ := batch.Check(ctx, event(ts, "a")); res.Duplicate() {
		t.Fatalf("first kept")
	}
	repeat := event(ts, "a")
	if res, _ := batch.Check(ctx, repeat); !res.Raw || !res.Burst || repeat.DupCount != 1 {
		t.Fatalf("repeat inside the batch: %+v", res)
	}
	if mem.Len() != 0 {
		t.Fatalf("check must not write counters, got %d keys", mem.Len())
	}

	// An abandoned batch leaves nothing behind.
	if res, _ := svc.NewBatch().Check(ctx, event(ts, "a")); res.Duplicate() {
		t.Fatalf("uncommitted batch leaked: %+v", res)
	}

	if err := batch.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if mem.Count(RawKey(event(ts, "a"))) != 2 {
		t.Fatalf("commit touches once per checked event")
	}
	if res, _ := svc.NewBatch().Check(ctx, event(ts, "a")); !res.Raw {
		t.Fatalf("committed keys flag later imports: %+v", res)
	}
}
