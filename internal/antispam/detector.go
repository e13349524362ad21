// Package antispam holds the per-session sliding windows used to throttle
// chat and block edits.
package antispam

import (
	"time"
)

const (
	ChatKickReason     = "You were kicked for repeated spamming."
	ChatKickBroadcast  = "%s was kicked for repeated spamming."
	MuteNotice         = "You have been muted for %d seconds. Slow down."
	BlockKickReason    = "You were kicked by antigrief system. Slow down."
	BlockKickBroadcast = "%s was kicked for suspected griefing."
)

// Window is a ring of the most recent timestamps, at most Cap of them.
type Window struct {
	stamps []time.Time
	start  int
	size   int
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{stamps: make([]time.Time, capacity)}
}

func (w *Window) Cap() int {
	return len(w.stamps)
}

func (w *Window) Len() int {
	return w.size
}

// Observe records now. When the window is already full the oldest stamp is
// dropped first; if that stamp is younger than interval the call is a
// violation, span is how long the full window took, and now is not recorded.
func (w *Window) Observe(now time.Time, interval time.Duration) (violation bool, span time.Duration) {
	if w.size == len(w.stamps) {
		oldest := w.stamps[w.start]
		w.start = (w.start + 1) % len(w.stamps)
		w.size--

		span = now.Sub(oldest)
		if span < interval {
			return true, span
		}
	}

	w.stamps[(w.start+w.size)%len(w.stamps)] = now
	w.size++
	return false, 0
}

func (w *Window) Reset() {
	w.start = 0
	w.size = 0
}

// Policy configures the chat window.
type Policy struct {
	MessageCount int
	Interval     time.Duration
	MaxWarnings  int
	MuteDuration time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MessageCount: 3,
		Interval:     4 * time.Second,
		MaxWarnings:  2,
		MuteDuration: 5 * time.Second,
	}
}

type Verdict int

const (
	Pass Verdict = iota
	Mute
	Kick
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Mute:
		return "mute"
	case Kick:
		return "kick"
	default:
		return "unknown"
	}
}

// Detector is not safe for concurrent use; each session owns one and only
// touches it from its own connection goroutine.
type Detector struct {
	policy   Policy
	chat     *Window
	warnings int

	blocks       *Window
	blockSeconds int
}

func NewDetector(policy Policy) *Detector {
	return &Detector{
		policy: policy,
		chat:   NewWindow(policy.MessageCount),
	}
}

func (d *Detector) Policy() Policy {
	return d.policy
}

func (d *Detector) Warnings() int {
	return d.warnings
}

// CheckChat reports what to do about a message sent at now. A zero message
// count or interval disables the check.
func (d *Detector) CheckChat(now time.Time) Verdict {
	if d.policy.MessageCount <= 0 || d.policy.Interval <= 0 {
		return Pass
	}

	violation, _ := d.chat.Observe(now, d.policy.Interval)
	if !violation {
		return Pass
	}

	d.warnings++
	if d.warnings > d.policy.MaxWarnings {
		return Kick
	}
	return Mute
}

// CheckBlock reports whether an edit at now breaks the rank's limit of blocks
// per seconds. Either threshold at zero disables the check.
func (d *Detector) CheckBlock(now time.Time, blocks, seconds int) (kick bool, span time.Duration) {
	if blocks <= 0 || seconds <= 0 {
		return false, 0
	}

	if d.blocks == nil || d.blocks.Cap() != blocks || d.blockSeconds != seconds {
		d.blocks = NewWindow(blocks)
		d.blockSeconds = seconds
	}

	return d.blocks.Observe(now, time.Duration(seconds)*time.Second)
}

func (d *Detector) MuteDuration() time.Duration {
	return d.policy.MuteDuration
}
