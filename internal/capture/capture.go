// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	internal_audio "github.com/rapidaai/voicewire/internal/audio"
	internal_metrics "github.com/rapidaai/voicewire/internal/metrics"
	"github.com/rapidaai/voicewire/pkg/commons"
)

// StateChange reports capture health transitions to the session owner.
type StateChange int

const (
	StatePaused StateChange = iota
	StateResumed
)

// Source delivers captured frames to the pipeline. Abstracts the physical
// device so the pipeline is testable without hardware.
type Source interface {
	// Start opens the device and begins delivery. Device or permission
	// failure is returned synchronously and is fatal to the session.
	Start(ctx context.Context) error
	// Frames is the delivery channel; closed when capture ends.
	Frames() <-chan *internal_audio.Frame
	Stop() error
}

// Config parameterizes the microphone recorder.
type Config struct {
	SampleRate int
	Channels   int
	// FrameSize is samples per channel per frame.
	FrameSize int
	// QueueSize bounds the delivery channel; the device loop never blocks
	// on it, overflow frames are dropped and counted.
	QueueSize int
}

// Recorder owns the PortAudio input stream. The device read loop is the
// real-time path: it only copies samples and performs a non-blocking channel
// send, never file or network I/O. Mid-session read faults pause capture
// and retry the device rather than crashing the session.
type Recorder struct {
	cfg           Config
	logger        commons.Logger
	metrics       *internal_metrics.Metrics
	onStateChange func(StateChange)

	frames   chan *internal_audio.Frame
	dropped  atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	stream *portaudio.Stream
}

// NewRecorder creates a microphone recorder. onStateChange may be nil.
func NewRecorder(cfg Config, onStateChange func(StateChange),
	logger commons.Logger, metrics *internal_metrics.Metrics) (*Recorder, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("capture: invalid config %+v", cfg)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Recorder{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		onStateChange: onStateChange,
		frames:        make(chan *internal_audio.Frame, cfg.QueueSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Start opens the default input device and launches the read loop. Returns
// an error when the device cannot be opened (permission denial, missing
// hardware); that failure is fatal to the recording session and not retried.
func (r *Recorder) Start(ctx context.Context) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("capture: portaudio initialization failed: %w", err)
	}

	buffer := make([]int16, r.cfg.FrameSize*r.cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(
		r.cfg.Channels, 0, float64(r.cfg.SampleRate), r.cfg.FrameSize, buffer)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("capture: failed to open input device: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("capture: failed to start input stream: %w", err)
	}
	r.stream = stream

	streamCfg := internal_audio.AudioConfig{
		SampleRate: r.cfg.SampleRate,
		Channels:   r.cfg.Channels,
		BitDepth:   internal_audio.AudioBitsPerSample,
	}
	r.logger.Infow("capture: input open",
		"sample_rate", streamCfg.SampleRate, "channels", streamCfg.Channels,
		"bytes_per_second", streamCfg.BytesPerSecond())

	go r.readLoop(ctx, buffer)
	return nil
}

func (r *Recorder) Frames() <-chan *internal_audio.Frame {
	return r.frames
}

// Stop ends frame delivery and releases the device. Safe to call more than
// once and concurrently with Start's read loop.
func (r *Recorder) Stop() error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	if n := r.Dropped(); n > 0 {
		r.logger.Warnw("capture: pipeline fell behind during session", "dropped_frames", n)
	}
	return nil
}

// Dropped returns the number of frames discarded because the pipeline fell
// behind.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) readLoop(ctx context.Context, buffer []int16) {
	defer func() {
		r.stream.Stop()
		r.stream.Close()
		portaudio.Terminate()
		close(r.frames)
		close(r.done)
	}()

	cfg := internal_audio.AudioConfig{
		SampleRate: r.cfg.SampleRate,
		Channels:   r.cfg.Channels,
		BitDepth:   internal_audio.AudioBitsPerSample,
	}

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := r.stream.Read(); err != nil {
			if !r.recover(err) {
				return
			}
			continue
		}

		samples := make([]int16, len(buffer))
		copy(samples, buffer)
		frame := &internal_audio.Frame{
			Samples:   samples,
			Config:    cfg,
			Timestamp: time.Now(),
		}

		select {
		case r.frames <- frame:
			r.metrics.RecordFrameCaptured()
		default:
			// The pipeline is behind; dropping here keeps the device loop
			// real-time instead of stalling the hardware.
			r.dropped.Add(1)
			r.metrics.RecordFrameDropped()
		}
	}
}

// recover handles a mid-session device fault: capture pauses, the stream is
// restarted with backoff, and delivery resumes. Returns false when capture
// was stopped while paused.
func (r *Recorder) recover(readErr error) bool {
	r.logger.Warnw("capture: input interrupted, pausing", "error", readErr)
	r.metrics.RecordCapturePause()
	if r.onStateChange != nil {
		r.onStateChange(StatePaused)
	}

	backoff := 250 * time.Millisecond
	for {
		select {
		case <-r.stop:
			return false
		case <-time.After(backoff):
		}

		r.stream.Stop()
		if err := r.stream.Start(); err == nil {
			r.logger.Infow("capture: input recovered")
			if r.onStateChange != nil {
				r.onStateChange(StateResumed)
			}
			return true
		}

		if backoff < 4*time.Second {
			backoff *= 2
		}
	}
}
