package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemoryTouchCountsAndExpires(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	existed, _ := m.Touch(ctx, "k", 10*time.Second)
	if existed {
		t.Fatalf("first touch should create")
	}
	existed, _ = m.Touch(ctx, "k", 10*time.Second)
	if !existed || m.Count("k") != 2 {
		t.Fatalf("second touch should increment, count=%d", m.Count("k"))
	}
	now = now.Add(11 * time.Second)
	existed, _ = m.Touch(ctx, "k", 10*time.Second)
	if existed || m.Count("k") != 1 {
		t.Fatalf("expired key should be recreated")
	}
}

func TestMemoryExistsDoesNotTouch(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if live, _ := m.Exists(ctx, "k"); live || m.Len() != 0 {
		t.Fatalf("exists must not create the key")
	}
	_, _ = m.Touch(ctx, "k", 10*time.Second)
	if live, _ := m.Exists(ctx, "k"); !live || m.Count("k") != 1 {
		t.Fatalf("exists must not increment, count=%d", m.Count("k"))
	}
	now = now.Add(10 * time.Second)
	if live, _ := m.Exists(ctx, "k"); live || m.Len() != 0 {
		t.Fatalf("expired key is not live")
	}
}

func TestMemoryLockIsTokenGuarded(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "lock", "a", time.Minute); !ok {
		t.Fatalf("acquire a")
	}
	if ok, _ := m.Acquire(ctx, "lock", "b", time.Minute); ok {
		t.Fatalf("b must not acquire a held lock")
	}
	if ok, _ := m.Release(ctx, "lock", "b"); ok {
		t.Fatalf("b must not release a's lock")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := m.Acquire(ctx, "lock", "b", time.Minute); !ok {
		t.Fatalf("expired lock should self-heal")
	}
	if ok, _ := m.Release(ctx, "lock", "a"); ok {
		t.Fatalf("stale holder must not release")
	}
	if ok, _ := m.Release(ctx, "lock", "b"); !ok {
		t.Fatalf("holder release")
	}
}

func TestPrefixedKeys(t *testing.T) {
	if prefixed("alarmguard", "x") != "alarmguard:x" || prefixed("", "x") != "x" {
		t.Fatalf("prefix")
	}
	if ttlSeconds(500*time.Millisecond) != 1 || ttlSeconds(90*time.Second) != 90 {
		t.Fatalf("ttl seconds")
	}
}
