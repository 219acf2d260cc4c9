// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	internal_archive "github.com/rapidaai/voicewire/internal/archive"
	internal_audio "github.com/rapidaai/voicewire/internal/audio"
	internal_audio_resampler "github.com/rapidaai/voicewire/internal/audio/resampler"
	internal_capture "github.com/rapidaai/voicewire/internal/capture"
	"github.com/rapidaai/voicewire/internal/config"
	internal_metrics "github.com/rapidaai/voicewire/internal/metrics"
	internal_reclaimer "github.com/rapidaai/voicewire/internal/reclaimer"
	internal_segmenter "github.com/rapidaai/voicewire/internal/segmenter"
	internal_transcript "github.com/rapidaai/voicewire/internal/transcript"
	internal_uploader "github.com/rapidaai/voicewire/internal/uploader"
	internal_vad "github.com/rapidaai/voicewire/internal/vad"
	"github.com/rapidaai/voicewire/pkg/commons"
)

// Session owns one recording: the capture source, the segmentation pipeline,
// the upload path and the transcript it produces. It is built once, started
// once, and ended by exactly one of Stop (graceful) or Cancel (abort).
type Session struct {
	id      string
	cfg     *config.AppConfig
	logger  commons.Logger
	metrics *internal_metrics.Metrics

	source      internal_capture.Source
	resampler   internal_audio_resampler.AudioResampler
	detector    internal_vad.Detector
	store       *internal_segmenter.Store
	engine      *internal_segmenter.Engine
	registry    *internal_uploader.Registry
	transport   internal_uploader.Transport
	coordinator *internal_uploader.Coordinator
	reconciler  *internal_transcript.Reconciler
	reclaimer   *internal_reclaimer.Reclaimer
	archive     internal_archive.SessionArchive

	cancel    context.CancelFunc
	group     *errgroup.Group
	submitCtx context.Context
	pipeDone  chan struct{}
	endOnce   sync.Once
}

// NewSession wires the full pipeline. source is the frame producer (a
// microphone recorder in production, a scripted source in tests); apiKey
// authorizes the transcription endpoint; archive may be nil to skip
// persistence.
func NewSession(cfg *config.AppConfig, source internal_capture.Source, apiKey string,
	archive internal_archive.SessionArchive, logger commons.Logger,
	metrics *internal_metrics.Metrics) (*Session, error) {

	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		source:   source,
		archive:  archive,
		pipeDone: make(chan struct{}),
	}

	resampler, err := internal_audio_resampler.GetResampler(logger)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.resampler = resampler

	s.detector, err = internal_vad.NewDetector(internal_vad.Config{
		Strategy:        cfg.Detector.Strategy,
		EnergyThreshold: cfg.Detector.EnergyThreshold,
		ModelPath:       cfg.Detector.SileroModelPath,
		SileroThreshold: cfg.Detector.SileroThreshold,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s.store, err = internal_segmenter.NewStore(cfg.Segmenter.TempDir, resampler, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s.engine, err = internal_segmenter.NewEngine(internal_segmenter.EngineConfig{
		SilenceWindow:      cfg.Segmenter.SilenceWindow(),
		MinSegmentBytes:    cfg.Segmenter.MinSegmentBytes,
		MaxSegmentDuration: cfg.Segmenter.MaxSegmentDuration(),
		MaxSegmentBytes:    cfg.Segmenter.MaxSegmentBytes,
	}, s.store, s.detector, s.onFinalized, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s.reconciler = internal_transcript.NewReconciler(s.onResolved, logger)
	s.registry = internal_uploader.NewRegistry()
	s.transport = internal_uploader.NewHTTPTransport(
		cfg.Upload.Timeout(), cfg.Upload.MaxConcurrent, logger)

	s.reclaimer, err = internal_reclaimer.NewReclaimer(
		s.store.Dir(), cfg.Reclaimer.Interval(),
		[]internal_reclaimer.LiveSource{s.store, s.registry}, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s.coordinator, err = internal_uploader.NewCoordinator(internal_uploader.Config{
		Endpoint: cfg.Upload.Endpoint,
		Model:    cfg.Upload.Model,
		Language: cfg.Upload.Language,
		APIKey:   apiKey,
		// One frame past the split cap plus container overhead still uploads.
		MaxUploadBytes: cfg.Segmenter.MaxSegmentBytes + 1<<20,
	}, s.transport,
		internal_uploader.NewRetryPolicy(cfg.Upload.RetryMaxAttempts, cfg.Upload.RetryDelay()),
		s.registry, s.reconciler, s.reclaimer, s.store.Dir(), logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	// The coordinator claims payload files while they are being encoded,
	// before the registry covers them.
	s.reclaimer.AddSource(s.coordinator)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Transcript exposes the live transcript for rendering.
func (s *Session) Transcript() *internal_transcript.Reconciler { return s.reconciler }

// Start opens the capture source and launches the pipeline goroutines. A
// source failure here (no device, permission denied) is fatal and returned.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.submitCtx = runCtx

	if err := s.source.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("session: capture start failed: %w", err)
	}

	group, gctx := errgroup.WithContext(runCtx)
	s.group = group
	group.Go(func() error { return s.processFrames() })
	group.Go(func() error { return s.coordinator.Run(gctx) })
	group.Go(func() error { return s.reclaimer.Run(gctx) })

	s.logger.Infow("session: started", "session", s.id,
		"detector", s.detector.Name(), "endpoint", s.cfg.Upload.Endpoint)
	return nil
}

// processFrames is the pipeline goroutine: every captured frame is converted
// to the upload layout once, then classified and written. Capture does no
// file I/O; it all happens here.
func (s *Session) processFrames() error {
	defer close(s.pipeDone)
	target := internal_audio.UPLOAD_AUDIO_CONFIG
	for frame := range s.source.Frames() {
		if !frame.Config.Equal(target) {
			converted, err := s.resampler.Resample(
				internal_audio.SamplesToBytes(frame.Samples), frame.Config, target)
			if err != nil {
				s.logger.Warnw("session: frame conversion failed, passing raw frame", "error", err)
				s.metrics.RecordConversionFault()
			} else {
				frame = &internal_audio.Frame{
					Samples:   internal_audio.BytesToSamples(converted),
					Config:    target,
					Timestamp: frame.Timestamp,
				}
			}
		}
		if err := s.engine.ProcessFrame(frame); err != nil {
			return fmt.Errorf("session: segment processing failed: %w", err)
		}
	}
	return nil
}

// onFinalized runs on the pipeline goroutine for every finalized segment:
// allocate the transcript slot first, then hand off for upload. Submission
// faults resolve the slot themselves, nothing further to do here.
func (s *Session) onFinalized(seg internal_segmenter.Finalized) {
	ordinal := s.reconciler.Allocate(seg.ID)
	if _, err := s.coordinator.Submit(s.submitCtx, seg, ordinal); err != nil {
		s.logger.Warnw("session: segment submission failed",
			"segment", seg.ID, "ordinal", ordinal, "error", err)
	}
}

// onResolved archives successfully transcribed slots.
func (s *Session) onResolved(slot internal_transcript.Slot) {
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.archive.SaveUtterance(ctx, &internal_archive.Utterance{
		SessionID: s.id,
		SegmentID: slot.SegmentID,
		Ordinal:   slot.Ordinal,
		Text:      slot.Text,
	})
	if err != nil {
		s.logger.Warnw("session: failed to archive utterance",
			"ordinal", slot.Ordinal, "error", err)
	}
}

// Stop ends the session gracefully: capture stops, an open segment is
// finalized and uploaded, and in-flight uploads are given until ctx expires
// to resolve. The transcript keeps every slot that resolves in time.
func (s *Session) Stop(ctx context.Context) error {
	var err error
	s.endOnce.Do(func() {
		s.logger.Infow("session: stopping", "session", s.id)
		if stopErr := s.source.Stop(); stopErr != nil {
			s.logger.Warnw("session: capture stop failed", "error", stopErr)
		}
		// Wait for the pipeline to drain the closed frames channel so every
		// captured frame lands before the open segment is finalized.
		select {
		case <-s.pipeDone:
		case <-ctx.Done():
		}
		if finErr := s.engine.FinalizeOpen(); finErr != nil {
			s.logger.Warnw("session: failed to finalize open segment", "error", finErr)
		}
		s.awaitUploads(ctx)
		if s.registry.Len() > 0 {
			s.coordinator.Abort()
		}
		err = s.shutdown()
		s.logger.Infow("session: stopped", "session", s.id,
			"pending", s.reconciler.PendingCount())
	})
	return err
}

// Cancel aborts the session: the open segment is deleted, in-flight uploads
// are abandoned and their files reclaimed, and no further transcript updates
// are published. Idempotent.
func (s *Session) Cancel() error {
	var err error
	s.endOnce.Do(func() {
		s.logger.Infow("session: cancelling", "session", s.id)
		if stopErr := s.source.Stop(); stopErr != nil {
			s.logger.Warnw("session: capture stop failed", "error", stopErr)
		}
		s.engine.Cancel()
		s.reconciler.MarkCancelled()
		s.coordinator.Abort()
		err = s.shutdown()
		if _, sweepErr := s.reclaimer.Sweep(); sweepErr != nil {
			s.logger.Warnw("session: post-cancel sweep failed", "error", sweepErr)
		}
		s.logger.Infow("session: cancelled", "session", s.id)
	})
	return err
}

// awaitUploads blocks until every registered task went terminal or the
// context expires.
func (s *Session) awaitUploads(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			s.logger.Warnw("session: shutdown deadline reached with uploads in flight",
				"remaining", s.registry.Len())
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) shutdown() error {
	s.cancel()
	var err error
	if s.group != nil {
		if werr := s.group.Wait(); werr != nil && werr != context.Canceled {
			err = werr
		}
	}
	if cerr := s.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if derr := s.detector.Close(); derr != nil {
		s.logger.Warnw("session: detector close failed", "error", derr)
	}
	return err
}
