package boundary

import (
	"testing"
	"time"

	"github.com/memtide/memtide/internal/memory"
)

var testCfg = Thresholds{IdleThreshold: 10 * time.Minute, DropFraction: 0.5}

func meta(lastSeen time.Time, count int, hash string) memory.SessionMeta {
	return memory.SessionMeta{
		SessionID:        "sess-1",
		FirstSeen:        lastSeen.Add(-time.Hour),
		LastSeen:         lastSeen,
		LastMessageCount: count,
		FirstMessageHash: hash,
	}
}

func TestDetectNotIdle(t *testing.T) {
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	// 2 messages down to 1 with a new hash, but only 5 minutes idle.
	d := Detect(meta(base, 2, "aaa"), 1, "bbb", base.Add(5*time.Minute), testCfg)
	if d.Detected {
		t.Fatalf("boundary fired without idle gap: %+v", d)
	}
}

func TestDetectIdleExactThresholdDoesNotArm(t *testing.T) {
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	d := Detect(meta(base, 5, "aaa"), 1, "bbb", base.Add(10*time.Minute), testCfg)
	if d.Detected {
		t.Fatalf("idle equal to threshold should not arm: %+v", d)
	}
}

func TestDetectMessageDrop(t *testing.T) {
	// Scenario: 5 messages, then 2 messages 15 minutes later, same hash.
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	d := Detect(meta(base, 5, "aaa"), 2, "aaa", base.Add(15*time.Minute), testCfg)
	if !d.Detected || d.Reason != memory.TriggerMessageDrop {
		t.Fatalf("expected idle_and_message_drop, got %+v", d)
	}
	if d.DropPercent != 60.0 {
		t.Fatalf("drop_percent = %v, want 60.0", d.DropPercent)
	}
	if d.HashChanged {
		t.Fatalf("hash should be unchanged")
	}
}

func TestDetectHashChangeOnly(t *testing.T) {
	// Scenario: same count, different first message, 12 minutes idle.
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	d := Detect(meta(base, 2, "aaa"), 2, "bbb", base.Add(12*time.Minute), testCfg)
	if !d.Detected || d.Reason != memory.TriggerHashChange {
		t.Fatalf("expected idle_and_hash_change, got %+v", d)
	}
	if !d.HashChanged {
		t.Fatalf("hash_changed not set")
	}
}

func TestDetectBoth(t *testing.T) {
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	d := Detect(meta(base, 10, "aaa"), 2, "bbb", base.Add(time.Hour), testCfg)
	if !d.Detected || d.Reason != memory.TriggerBoth {
		t.Fatalf("expected idle_and_both, got %+v", d)
	}
}

func TestDetectExactDropThresholdDoesNotTrigger(t *testing.T) {
	// Scenario: 10 -> 5 messages is exactly 50%; strict greater-than means no
	// trigger even though the session is idle.
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	d := Detect(meta(base, 10, "aaa"), 5, "aaa", base.Add(10*time.Minute+time.Second), testCfg)
	if d.Detected {
		t.Fatalf("exact 50%% drop must not trigger: %+v", d)
	}
	if d.DropPercent != 50.0 {
		t.Fatalf("drop_percent = %v, want 50.0", d.DropPercent)
	}
}

func TestDetectGrowthClampsDropToZero(t *testing.T) {
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	d := Detect(meta(base, 3, "aaa"), 8, "aaa", base.Add(20*time.Minute), testCfg)
	if d.DropPercent != 0 {
		t.Fatalf("drop_percent = %v, want 0 for growing conversation", d.DropPercent)
	}
	if d.Detected {
		t.Fatalf("growth with same hash should not trigger: %+v", d)
	}
}

func TestDetectDeterministic(t *testing.T) {
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	prior := meta(base, 7, "aaa")
	now := base.Add(11 * time.Minute)
	first := Detect(prior, 3, "bbb", now, testCfg)
	for i := 0; i < 10; i++ {
		if got := Detect(prior, 3, "bbb", now, testCfg); got != first {
			t.Fatalf("detector not deterministic: %+v vs %+v", got, first)
		}
	}
}
