// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_segmenter

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/voicewire/internal/audio"
	internal_audio_resampler "github.com/rapidaai/voicewire/internal/audio/resampler"
	internal_reclaimer "github.com/rapidaai/voicewire/internal/reclaimer"
	"github.com/rapidaai/voicewire/pkg/commons"
)

// ============================================================================
// Test helpers
// ============================================================================

// fakeDetector classifies by amplitude: any non-zero sample means voiced.
type fakeDetector struct {
	resets int
	fail   bool
}

func (d *fakeDetector) Name() string { return "fake" }

func (d *fakeDetector) IsVoiced(frame *internal_audio.Frame) (bool, error) {
	if d.fail {
		return false, errors.New("model fault")
	}
	for _, s := range frame.Samples {
		if s != 0 {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDetector) Reset() error { d.resets++; return nil }
func (d *fakeDetector) Close() error { return nil }

const testFrameSamples = 1600 // 100ms at 16kHz

type engineHarness struct {
	engine      *Engine
	detector    *fakeDetector
	store       *Store
	dir         string
	finalized   []Finalized
	onFinalized func(Finalized)
	clock       time.Time
}

func newEngineHarness(t *testing.T, cfg EngineConfig) *engineHarness {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	resampler, err := internal_audio_resampler.GetResampler(logger)
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := NewStore(dir, resampler, logger, nil)
	require.NoError(t, err)

	h := &engineHarness{
		detector: &fakeDetector{},
		store:    store,
		dir:      dir,
		clock:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	h.engine, err = NewEngine(cfg, store, h.detector,
		func(f Finalized) {
			if h.onFinalized != nil {
				h.onFinalized(f)
			}
			h.finalized = append(h.finalized, f)
		}, logger, nil)
	require.NoError(t, err)
	return h
}

// feed pushes n frames of 100ms each, voiced or silent.
func (h *engineHarness) feed(t *testing.T, voiced bool, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		samples := make([]int16, testFrameSamples)
		if voiced {
			for j := range samples {
				samples[j] = 2000
			}
		}
		frame := &internal_audio.Frame{
			Samples:   samples,
			Config:    internal_audio.UPLOAD_AUDIO_CONFIG,
			Timestamp: h.clock,
		}
		h.clock = h.clock.Add(100 * time.Millisecond)
		require.NoError(t, h.engine.ProcessFrame(frame))
	}
}

func (h *engineHarness) fileCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	return len(entries)
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		SilenceWindow:      1200 * time.Millisecond,
		MinSegmentBytes:    8000, // 0.25s at the upload layout
		MaxSegmentDuration: time.Hour,
		MaxSegmentBytes:    1 << 30,
	}
}

// ============================================================================
// Segment boundaries
// ============================================================================

func TestEngineStaysIdleOnSilence(t *testing.T) {
	h := newEngineHarness(t, defaultEngineConfig())

	h.feed(t, false, 30)

	assert.Equal(t, StateIdle, h.engine.State())
	assert.Empty(t, h.finalized)
	assert.Equal(t, 0, h.fileCount(t), "no backing file before the first voiced frame")
}

func TestEngineFinalizesOnSilenceWindow(t *testing.T) {
	h := newEngineHarness(t, defaultEngineConfig())

	h.feed(t, true, 20)  // 2.0s speech
	h.feed(t, false, 15) // 1.5s silence, window is 1.2s

	require.Len(t, h.finalized, 1)
	seg := h.finalized[0]
	assert.Equal(t, 2*time.Second, seg.Duration, "trailing silence is not part of the segment")
	assert.False(t, seg.Forced)
	assert.Equal(t, int64(20*testFrameSamples*2), seg.ByteSize)
	assert.FileExists(t, seg.Path)
	assert.Equal(t, StateIdle, h.engine.State())
}

func TestEngineKeepsIntraSpeechDips(t *testing.T) {
	h := newEngineHarness(t, defaultEngineConfig())

	h.feed(t, true, 10)  // 1.0s speech
	h.feed(t, false, 5)  // 0.5s dip, below the window
	h.feed(t, true, 10)  // speech resumes
	h.feed(t, false, 13) // 1.3s silence closes it

	require.Len(t, h.finalized, 1)
	assert.Equal(t, 2500*time.Millisecond, h.finalized[0].Duration,
		"the dip is flushed into the segment when voice resumes")
}

func TestEngineDiscardsTrivialSegments(t *testing.T) {
	h := newEngineHarness(t, defaultEngineConfig())

	h.feed(t, true, 1) // 100ms blip, under the 0.25s minimum
	h.feed(t, false, 13)

	assert.Empty(t, h.finalized, "trivial segment produces no hand-off")
	assert.Equal(t, 0, h.fileCount(t), "discarded segment file is deleted")
}

// ============================================================================
// Forced splits
// ============================================================================

func TestEngineForcedSplitsAreContiguous(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.MaxSegmentDuration = 2 * time.Second
	h := newEngineHarness(t, cfg)

	h.feed(t, true, 45)  // 4.5s continuous speech
	h.feed(t, false, 13) // close the tail

	require.Len(t, h.finalized, 3)
	first, second, third := h.finalized[0], h.finalized[1], h.finalized[2]

	assert.True(t, first.Forced)
	assert.True(t, second.Forced)
	assert.False(t, third.Forced)
	assert.Equal(t, 2*time.Second, first.Duration)
	assert.Equal(t, 2*time.Second, second.Duration)
	assert.Equal(t, 500*time.Millisecond, third.Duration)

	assert.Equal(t, first.StartTime.Add(first.Duration), second.StartTime,
		"split continuation starts exactly where the previous segment ended")
	assert.Equal(t, second.StartTime.Add(second.Duration), third.StartTime)

	assert.GreaterOrEqual(t, h.detector.resets, 2, "classifier state does not carry across splits")
}

func TestEngineForcedSplitOnByteCap(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.MaxSegmentBytes = int64(10 * testFrameSamples * 2) // one second of audio
	h := newEngineHarness(t, cfg)

	h.feed(t, true, 10)

	require.Len(t, h.finalized, 1)
	assert.True(t, h.finalized[0].Forced)
	assert.Equal(t, time.Second, h.finalized[0].Duration)
}

func TestEngineSplitPointerClearsAfterSilence(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.MaxSegmentDuration = time.Second
	h := newEngineHarness(t, cfg)

	h.feed(t, true, 10)  // forced split at 1.0s
	h.feed(t, false, 20) // long silence before speech resumes
	h.feed(t, true, 10)  // forced split again
	h.feed(t, false, 13)

	require.Len(t, h.finalized, 2)
	gap := h.finalized[1].StartTime.Sub(h.finalized[0].StartTime.Add(h.finalized[0].Duration))
	assert.Equal(t, 2*time.Second, gap,
		"a new utterance after real silence starts at its own first frame")
}

// ============================================================================
// Cancellation and shutdown
// ============================================================================

func TestEngineCancelDeletesOpenSegment(t *testing.T) {
	h := newEngineHarness(t, defaultEngineConfig())

	h.feed(t, true, 5)
	assert.Equal(t, 1, h.fileCount(t))

	h.engine.Cancel()
	h.engine.Cancel() // idempotent

	assert.Equal(t, StateCancelled, h.engine.State())
	assert.Empty(t, h.finalized)
	assert.Equal(t, 0, h.fileCount(t), "cancel leaves no partial file behind")

	// Frames after cancel are ignored.
	h.feed(t, true, 5)
	assert.Equal(t, 0, h.fileCount(t))
}

func TestEngineFinalizeOpenOnStop(t *testing.T) {
	h := newEngineHarness(t, defaultEngineConfig())

	h.feed(t, true, 8)
	require.NoError(t, h.engine.FinalizeOpen())

	require.Len(t, h.finalized, 1)
	assert.Equal(t, 800*time.Millisecond, h.finalized[0].Duration)

	require.NoError(t, h.engine.FinalizeOpen(), "no-op when nothing is open")
	assert.Len(t, h.finalized, 1)
}

// ============================================================================
// Hand-off ownership
// ============================================================================

func TestEngineKeepsFileClaimedDuringHandOff(t *testing.T) {
	h := newEngineHarness(t, defaultEngineConfig())
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	rec, err := internal_reclaimer.NewReclaimer(h.dir, time.Minute,
		[]internal_reclaimer.LiveSource{h.store}, logger, nil)
	require.NoError(t, err)

	// A sweep racing the sink sees the closed file still claimed by the
	// store, so the segment survives until the upload side has taken over.
	h.onFinalized = func(f Finalized) {
		removed, sweepErr := rec.Sweep()
		require.NoError(t, sweepErr)
		assert.Equal(t, 0, removed, "sweep must not take a segment mid hand-off")
		assert.FileExists(t, f.Path)
	}

	h.feed(t, true, 20)
	h.feed(t, false, 13)
	require.Len(t, h.finalized, 1)

	// The sink returned without registering the file anywhere, so the claim
	// is released and the file is sweepable like any other orphan.
	removed, err := rec.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

// ============================================================================
// Detector faults
// ============================================================================

func TestEngineDetectorFaultDegradesToUnvoiced(t *testing.T) {
	h := newEngineHarness(t, defaultEngineConfig())

	h.feed(t, true, 10)
	h.detector.fail = true
	h.feed(t, true, 13) // faulting detector reads these as silence

	require.Len(t, h.finalized, 1, "a stuck-faulting detector still closes the segment")
	assert.Equal(t, time.Second, h.finalized[0].Duration)
}
