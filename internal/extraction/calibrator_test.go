package extraction

import (
	"math"
	"testing"

	"github.com/memtide/memtide/internal/memory"
)

func TestCalibrateCorrectionIsFixed(t *testing.T) {
	for _, base := range []float64{0.0, 0.5, 0.99} {
		got := Calibrate(memory.TypeCorrection, base, memory.Metadata{Explicit: true, MentionCount: 5})
		if got != 0.80 {
			t.Fatalf("correction base=%v -> %v, want fixed 0.80", base, got)
		}
	}
}

func TestCalibrateExplicitBonus(t *testing.T) {
	got := Calibrate(memory.TypePreference, 0.7, memory.Metadata{Explicit: true})
	if math.Abs(got-0.8) > 1e-9 {
		t.Fatalf("got %v, want 0.8", got)
	}
}

func TestCalibrateMentionBonusCapped(t *testing.T) {
	// 3 mentions: +0.05 * 2 = +0.10
	if got := Calibrate(memory.TypePersonalFact, 0.6, memory.Metadata{MentionCount: 3}); math.Abs(got-0.7) > 1e-9 {
		t.Fatalf("3 mentions: got %v, want 0.7", got)
	}
	// 10 mentions would be +0.45 uncapped; cap holds it at +0.20.
	if got := Calibrate(memory.TypePersonalFact, 0.6, memory.Metadata{MentionCount: 10}); math.Abs(got-0.8) > 1e-9 {
		t.Fatalf("10 mentions: got %v, want capped 0.8", got)
	}
	// A single mention earns nothing.
	if got := Calibrate(memory.TypePersonalFact, 0.6, memory.Metadata{MentionCount: 1}); math.Abs(got-0.6) > 1e-9 {
		t.Fatalf("1 mention: got %v, want 0.6", got)
	}
}

func TestCalibrateContradictionPenalty(t *testing.T) {
	got := Calibrate(memory.TypeTechnicalContext, 0.9, memory.Metadata{Contradicts: true})
	if got < 0.599 || got > 0.601 {
		t.Fatalf("got %v, want 0.6", got)
	}
}

func TestCalibrateClamped(t *testing.T) {
	if got := Calibrate(memory.TypeDecision, 0.95, memory.Metadata{Explicit: true, MentionCount: 10}); got != 1.0 {
		t.Fatalf("upper clamp: got %v", got)
	}
	if got := Calibrate(memory.TypeDecision, 0.1, memory.Metadata{Contradicts: true}); got != 0.0 {
		t.Fatalf("lower clamp: got %v", got)
	}
}

func TestIsExplicit(t *testing.T) {
	if !isExplicit("I prefer dark mode in every editor") {
		t.Fatalf("first-person preference not detected")
	}
	if !isExplicit("My setup runs Proxmox on three nodes") {
		t.Fatalf("possessive setup statement not detected")
	}
	if isExplicit("Dark mode reduces eye strain for many users") {
		t.Fatalf("third-person statement misdetected")
	}
}

func TestKeywords(t *testing.T) {
	kws := keywords("The user prefers Proxmox clusters because virtualization")
	want := map[string]bool{"prefers": true, "proxmox": true, "clusters": true, "virtualization": true}
	if len(kws) != len(want) {
		t.Fatalf("keywords = %v", kws)
	}
	for _, k := range kws {
		if !want[k] {
			t.Fatalf("unexpected keyword %q in %v", k, kws)
		}
	}
}

func TestCountMentions(t *testing.T) {
	msgs := []memory.Message{
		{Role: memory.RoleUser, Content: "I run Proxmox at home"},
		{Role: memory.RoleAssistant, Content: "Proxmox is a hypervisor"},
		{Role: memory.RoleUser, Content: "my proxmox cluster has 3 nodes"},
		{Role: memory.RoleUser, Content: "unrelated question about cooking"},
	}
	// Assistant mentions never count.
	if got := countMentions("User runs a Proxmox cluster", msgs); got != 2 {
		t.Fatalf("mentions = %d, want 2", got)
	}
	// No keyword overlap still floors at one mention.
	if got := countMentions("zzz", msgs); got != 1 {
		t.Fatalf("floor = %d, want 1", got)
	}
}
