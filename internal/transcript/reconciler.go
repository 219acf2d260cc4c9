// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_transcript

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rapidaai/voicewire/pkg/commons"
)

// SlotState tracks the lifecycle of one transcript position.
type SlotState int

const (
	SlotPending SlotState = iota
	SlotResolved
	SlotFailed
)

// PendingPlaceholder renders in place of interior slots that have not
// resolved yet.
const PendingPlaceholder = "[…]"

// Utterance is one diarized span from a speaker-attributing service.
type Utterance struct {
	Speaker int     `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Resolution is the terminal outcome of a slot's upload. Err set means the
// slot failed; Utterances, when present, take precedence over Text and are
// merged into a single labeled string.
type Resolution struct {
	Text       string
	Utterances []Utterance
	Err        error
}

// Slot is an ordered placeholder in the transcript. Ordinals are assigned at
// segment-finalize time, strictly increasing and gapless, which is what lets
// completions land in any order without disturbing transcript order.
type Slot struct {
	Ordinal    int
	SegmentID  string
	State      SlotState
	Text       string
	FailReason string
}

// Reconciler maps asynchronous completion events back to ordered transcript
// slots. Allocate is called from the segment-finalize path and Resolve from
// completion handling; both serialize on one mutex.
type Reconciler struct {
	logger commons.Logger

	mu        sync.Mutex
	slots     []Slot
	cancelled bool

	onResolved func(Slot)
	updates    chan struct{}
}

// NewReconciler creates an empty transcript. onResolved, when non-nil, is
// invoked for every successfully resolved slot (archive hand-off); it must
// not call back into the reconciler.
func NewReconciler(onResolved func(Slot), logger commons.Logger) *Reconciler {
	return &Reconciler{
		logger:     logger,
		onResolved: onResolved,
		updates:    make(chan struct{}, 1),
	}
}

// Allocate creates the next transcript slot for a finalized segment and
// returns its ordinal.
func (r *Reconciler) Allocate(segmentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ordinal := len(r.slots)
	r.slots = append(r.slots, Slot{
		Ordinal:   ordinal,
		SegmentID: segmentID,
		State:     SlotPending,
	})
	return ordinal
}

// Resolve applies a terminal outcome to a slot. Arrival order is
// unconstrained. Resolutions after cancellation are swallowed rather than
// surfaced.
func (r *Reconciler) Resolve(ordinal int, res Resolution) {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		r.logger.Debugw("transcript: dropping resolution after cancel", "ordinal", ordinal)
		return
	}
	if ordinal < 0 || ordinal >= len(r.slots) {
		r.mu.Unlock()
		r.logger.Errorw("transcript: resolution for unknown ordinal", "ordinal", ordinal)
		return
	}
	slot := &r.slots[ordinal]
	if slot.State != SlotPending {
		r.mu.Unlock()
		r.logger.Warnw("transcript: duplicate resolution ignored", "ordinal", ordinal)
		return
	}

	if res.Err != nil {
		slot.State = SlotFailed
		slot.FailReason = res.Err.Error()
	} else {
		slot.State = SlotResolved
		if len(res.Utterances) > 0 {
			slot.Text = mergeUtterances(res.Utterances)
		} else {
			slot.Text = res.Text
		}
	}
	resolved := *slot
	onResolved := r.onResolved
	r.mu.Unlock()

	if resolved.State == SlotResolved && onResolved != nil {
		onResolved(resolved)
	}
	r.notify()
}

// Snapshot returns the slots in ordinal order.
func (r *Reconciler) Snapshot() []Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Slot, len(r.slots))
	copy(out, r.slots)
	return out
}

// Render produces the published transcript: slots in ordinal order, pending
// interior slots as a placeholder, failed slots as an inline error marker at
// their correct position.
func (r *Reconciler) Render() string {
	slots := r.Snapshot()
	var b strings.Builder
	for i, slot := range slots {
		if i > 0 {
			b.WriteString("\n")
		}
		switch slot.State {
		case SlotPending:
			b.WriteString(PendingPlaceholder)
		case SlotFailed:
			b.WriteString(fmt.Sprintf("[transcription failed: %s]", slot.FailReason))
		default:
			b.WriteString(slot.Text)
		}
	}
	return b.String()
}

// MarkCancelled makes all future resolutions no-ops. Idempotent.
func (r *Reconciler) MarkCancelled() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

// Updates signals after every resolution; consumers drain it to re-render.
func (r *Reconciler) Updates() <-chan struct{} {
	return r.updates
}

// PendingCount returns the number of unresolved slots.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.State == SlotPending {
			n++
		}
	}
	return n
}

func (r *Reconciler) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// mergeUtterances folds a diarized response into one labeled string, ordered
// by start offset.
func mergeUtterances(utterances []Utterance) string {
	sorted := make([]Utterance, len(utterances))
	copy(sorted, utterances)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})
	lines := make([]string, 0, len(sorted))
	for _, u := range sorted {
		text := strings.TrimSpace(u.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("Speaker %d: %s", u.Speaker, text))
	}
	return strings.Join(lines, "\n")
}
