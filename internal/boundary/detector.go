package boundary

import (
	"time"

	"github.com/memtide/memtide/internal/memory"
)

// Thresholds configures the detector. DropFraction is the fraction of the
// prior message count that must be exceeded (strictly) for a drop trigger.
type Thresholds struct {
	IdleThreshold time.Duration
	DropFraction  float64
}

type Detection struct {
	Detected    bool
	Reason      memory.TriggerReason
	IdleSeconds float64
	DropPercent float64
	HashChanged bool
}

// Detect decides whether a new request for a tracked session starts a new
// conversation. It is a pure function of its inputs: no clock reads, no I/O.
//
// A boundary is only considered once the session has been idle for longer
// than the idle threshold; after that, either a message-count drop above the
// configured fraction (strict greater-than; an exact 50% drop with the 0.5
// default does not trigger) or a changed first-message hash closes the prior
// session.
func Detect(prior memory.SessionMeta, newCount int, newHash string, now time.Time, cfg Thresholds) Detection {
	idle := now.Sub(prior.LastSeen)
	out := Detection{IdleSeconds: idle.Seconds()}
	if idle <= cfg.IdleThreshold {
		return out
	}

	if prior.LastMessageCount > 0 {
		drop := float64(prior.LastMessageCount-newCount) / float64(prior.LastMessageCount)
		if drop < 0 {
			drop = 0
		}
		out.DropPercent = drop * 100
	}
	out.HashChanged = newHash != prior.FirstMessageHash

	dropTriggered := out.DropPercent > cfg.DropFraction*100

	switch {
	case dropTriggered && out.HashChanged:
		out.Detected = true
		out.Reason = memory.TriggerBoth
	case dropTriggered:
		out.Detected = true
		out.Reason = memory.TriggerMessageDrop
	case out.HashChanged:
		out.Detected = true
		out.Reason = memory.TriggerHashChange
	}
	return out
}
