// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transcript

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicewire/pkg/commons"
)

func newTestReconciler(t *testing.T, onResolved func(Slot)) *Reconciler {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return NewReconciler(onResolved, logger)
}

func TestReconcilerOutOfOrderResolution(t *testing.T) {
	r := newTestReconciler(t, nil)

	first := r.Allocate("seg-a")
	second := r.Allocate("seg-b")
	third := r.Allocate("seg-c")
	assert.Equal(t, []int{0, 1, 2}, []int{first, second, third}, "ordinals are gapless and increasing")

	// Completions land newest-first; transcript order must not change.
	r.Resolve(third, Resolution{Text: "three"})
	r.Resolve(first, Resolution{Text: "one"})
	r.Resolve(second, Resolution{Text: "two"})

	assert.Equal(t, "one\ntwo\nthree", r.Render())
	assert.Equal(t, 0, r.PendingCount())
}

func TestReconcilerRenderPlaceholdersAndFailures(t *testing.T) {
	r := newTestReconciler(t, nil)
	r.Allocate("seg-a")
	r.Allocate("seg-b")
	r.Allocate("seg-c")

	r.Resolve(0, Resolution{Text: "hello"})
	r.Resolve(2, Resolution{Err: errors.New("server error 500 after 3 attempts")})

	assert.Equal(t,
		"hello\n"+PendingPlaceholder+"\n[transcription failed: server error 500 after 3 attempts]",
		r.Render(), "pending interior slot renders as placeholder, failed slot as marker in position")
	assert.Equal(t, 1, r.PendingCount())
}

func TestReconcilerDuplicateAndUnknownResolutions(t *testing.T) {
	r := newTestReconciler(t, nil)
	r.Allocate("seg-a")

	r.Resolve(0, Resolution{Text: "first"})
	r.Resolve(0, Resolution{Text: "second"})
	r.Resolve(5, Resolution{Text: "nowhere"})

	slots := r.Snapshot()
	require.Len(t, slots, 1)
	assert.Equal(t, "first", slots[0].Text, "duplicate resolution must not overwrite")
	assert.Equal(t, SlotResolved, slots[0].State)
}

func TestReconcilerDiarizedUtterancesMerge(t *testing.T) {
	r := newTestReconciler(t, nil)
	r.Allocate("seg-a")

	r.Resolve(0, Resolution{
		Text: "ignored when utterances exist",
		Utterances: []Utterance{
			{Speaker: 1, Text: "and then?", Start: 2.5, End: 3.1},
			{Speaker: 0, Text: "we shipped it", Start: 0.0, End: 2.4},
			{Speaker: 0, Text: "   ", Start: 3.2, End: 3.3},
		},
	})

	assert.Equal(t, "Speaker 0: we shipped it\nSpeaker 1: and then?", r.Render(),
		"utterances merge in start order, blank spans dropped")
}

func TestReconcilerSwallowsResolutionsAfterCancel(t *testing.T) {
	r := newTestReconciler(t, nil)
	r.Allocate("seg-a")
	r.MarkCancelled()

	r.Resolve(0, Resolution{Text: "late arrival"})

	slots := r.Snapshot()
	assert.Equal(t, SlotPending, slots[0].State, "post-cancel resolution is dropped")
}

func TestReconcilerOnResolvedCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []Slot
	r := newTestReconciler(t, func(s Slot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	r.Allocate("seg-a")
	r.Allocate("seg-b")

	r.Resolve(0, Resolution{Text: "kept"})
	r.Resolve(1, Resolution{Err: errors.New("boom")})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1, "only successful resolutions reach the callback")
	assert.Equal(t, "kept", seen[0].Text)
	assert.Equal(t, "seg-a", seen[0].SegmentID)
}

func TestReconcilerUpdatesSignal(t *testing.T) {
	r := newTestReconciler(t, nil)
	r.Allocate("seg-a")
	r.Resolve(0, Resolution{Text: "x"})

	select {
	case <-r.Updates():
	default:
		t.Fatal("expected an update signal after resolution")
	}
}
