// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_segmenter

import (
	"fmt"
	"os"
	"sync"
	"time"

	internal_audio "github.com/rapidaai/voicewire/internal/audio"
	internal_metrics "github.com/rapidaai/voicewire/internal/metrics"
	internal_vad "github.com/rapidaai/voicewire/internal/vad"
	"github.com/rapidaai/voicewire/pkg/commons"
)

// State of the segmentation state machine.
type State int

const (
	StateIdle State = iota
	StateVoiced
	StateCancelled
)

// Finalized describes a closed segment handed off for upload.
type Finalized struct {
	ID        string
	Path      string
	ByteSize  int64
	StartTime time.Time
	Duration  time.Duration
	Forced    bool // closed at the duration/size cap rather than by silence
}

// EngineConfig bounds segment sizes and the silence window that closes them.
type EngineConfig struct {
	SilenceWindow      time.Duration
	MinSegmentBytes    int64
	MaxSegmentDuration time.Duration
	MaxSegmentBytes    int64
}

// Engine drives segment boundaries from detector output. Frames arrive on
// the capture pipeline goroutine; Cancel may race in from the session owner,
// so all state transitions are serialized on a mutex.
//
// Unvoiced frames inside an open segment are held in a pending buffer: if
// voice resumes before the silence window elapses they are flushed into the
// segment so no intra-speech audio is lost; if the window elapses they are
// dropped and the segment closes at the last voiced frame.
type Engine struct {
	cfg      EngineConfig
	store    *Store
	detector internal_vad.Detector
	logger   commons.Logger
	metrics  *internal_metrics.Metrics
	sink     func(Finalized)

	mu         sync.Mutex
	state      State
	handle     *Handle
	segStart   time.Time
	appended   time.Duration
	silence    time.Duration
	pending    []*internal_audio.Frame
	splitStart *time.Time
}

// NewEngine creates the segmentation engine. sink is invoked, still on the
// processing goroutine, with every finalized non-discarded segment.
func NewEngine(cfg EngineConfig, store *Store, detector internal_vad.Detector,
	sink func(Finalized), logger commons.Logger, metrics *internal_metrics.Metrics) (*Engine, error) {
	if cfg.SilenceWindow <= 0 {
		return nil, fmt.Errorf("segmenter: silence window must be positive, got %v", cfg.SilenceWindow)
	}
	if cfg.MaxSegmentDuration <= 0 || cfg.MaxSegmentBytes <= 0 {
		return nil, fmt.Errorf("segmenter: segment caps must be positive")
	}
	if sink == nil {
		return nil, fmt.Errorf("segmenter: sink cannot be nil")
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		detector: detector,
		logger:   logger,
		metrics:  metrics,
		sink:     sink,
		state:    StateIdle,
	}, nil
}

// State returns the current machine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ProcessFrame classifies one frame and advances the state machine. Frames
// are expected in the upload layout already; returns only unrecoverable
// storage errors.
func (e *Engine) ProcessFrame(frame *internal_audio.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateCancelled {
		return nil
	}

	voiced, err := e.detector.IsVoiced(frame)
	if err != nil {
		// Detector faults degrade to unvoiced; the frame is not lost, it
		// lands in the pending buffer if a segment is open.
		e.logger.Warnw("segmenter: detector fault, treating frame as unvoiced", "error", err)
		voiced = false
	}
	e.metrics.RecordVADFrame(voiced)

	switch e.state {
	case StateIdle:
		if !voiced {
			e.splitStart = nil
			return nil
		}
		if err := e.openSegment(frame.Timestamp); err != nil {
			return err
		}
		e.state = StateVoiced
		return e.appendFrame(frame)

	case StateVoiced:
		if voiced {
			if err := e.flushPending(); err != nil {
				return err
			}
			e.silence = 0
			return e.appendFrame(frame)
		}
		e.silence += frame.Duration()
		e.pending = append(e.pending, frame.Clone())
		if e.silence >= e.cfg.SilenceWindow {
			return e.finalize(false)
		}
		return nil
	}
	return nil
}

// FinalizeOpen closes a currently open segment without waiting for silence.
// Used on graceful session stop so trailing speech is not lost.
func (e *Engine) FinalizeOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateVoiced {
		return nil
	}
	return e.finalize(false)
}

// Cancel aborts segmentation: the open segment's partial file is deleted,
// timers are cleared and the machine goes terminal. Idempotent.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateCancelled {
		return
	}
	if e.handle != nil {
		if err := e.store.Discard(e.handle); err != nil {
			e.logger.Warnw("segmenter: failed to discard segment on cancel", "error", err)
		}
		e.handle = nil
	}
	e.pending = nil
	e.silence = 0
	e.splitStart = nil
	if err := e.detector.Reset(); err != nil {
		e.logger.Warnw("segmenter: detector reset failed on cancel", "error", err)
	}
	e.state = StateCancelled
}

func (e *Engine) openSegment(frameTime time.Time) error {
	h, err := e.store.Open()
	if err != nil {
		return err
	}
	e.handle = h
	e.appended = 0
	e.silence = 0
	// A forced split pins the continuation's start to the split point so the
	// two segments are contiguous on the transcript timeline.
	if e.splitStart != nil {
		e.segStart = *e.splitStart
		e.splitStart = nil
	} else {
		e.segStart = frameTime
	}
	return nil
}

func (e *Engine) flushPending() error {
	for _, f := range e.pending {
		if err := e.appendOne(f); err != nil {
			return err
		}
	}
	e.pending = nil
	return nil
}

func (e *Engine) appendFrame(frame *internal_audio.Frame) error {
	if err := e.appendOne(frame); err != nil {
		return err
	}
	if e.appended >= e.cfg.MaxSegmentDuration || e.handle.ByteSize() >= e.cfg.MaxSegmentBytes {
		return e.finalize(true)
	}
	return nil
}

func (e *Engine) appendOne(frame *internal_audio.Frame) error {
	if err := e.store.Append(e.handle, frame); err != nil {
		return err
	}
	e.appended += frame.Duration()
	return nil
}

func (e *Engine) finalize(forced bool) error {
	h := e.handle
	e.handle = nil
	e.pending = nil
	e.silence = 0
	e.state = StateIdle

	segStart := e.segStart
	duration := e.appended

	if forced {
		// Continuation reopens at the split point; the classifier state does
		// not carry across the split.
		split := segStart.Add(duration)
		e.splitStart = &split
		e.metrics.RecordSegmentSplit()
		if err := e.detector.Reset(); err != nil {
			e.logger.Warnw("segmenter: detector reset failed on split", "error", err)
		}
	} else {
		e.splitStart = nil
	}

	path, size, err := e.store.Close(h)
	if err != nil {
		e.store.Forget(h)
		return err
	}

	if size < e.cfg.MinSegmentBytes {
		e.logger.Debugw("segmenter: discarding trivial segment",
			"segment", h.ID(), "bytes", size, "min_bytes", e.cfg.MinSegmentBytes)
		e.metrics.RecordSegmentDiscarded()
		if err := removeFile(path); err != nil {
			e.logger.Warnw("segmenter: failed to remove discarded segment", "error", err)
		}
		e.store.Forget(h)
		return nil
	}

	e.metrics.RecordSegmentFinalized(duration.Seconds(), size)
	// The store keeps the backing file claimed while the sink hands it to the
	// upload side; the claim is released only once that registration is done,
	// so a racing sweep never sees the file unowned.
	e.sink(Finalized{
		ID:        h.ID(),
		Path:      path,
		ByteSize:  size,
		StartTime: segStart,
		Duration:  duration,
		Forced:    forced,
	})
	e.store.Forget(h)
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
