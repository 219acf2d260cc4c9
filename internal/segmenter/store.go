// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_segmenter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	internal_audio "github.com/rapidaai/voicewire/internal/audio"
	internal_audio_resampler "github.com/rapidaai/voicewire/internal/audio/resampler"
	internal_metrics "github.com/rapidaai/voicewire/internal/metrics"
	"github.com/rapidaai/voicewire/pkg/commons"
)

// Handle identifies an open segment backing file. Owned by the Store until
// Close or Discard transfers or ends ownership.
type Handle struct {
	id       string
	path     string
	file     *os.File
	encoder  *wav.Encoder
	byteSize int64
}

// ID returns the segment identifier the handle was opened with.
func (h *Handle) ID() string { return h.id }

// Path returns the backing file path.
func (h *Handle) Path() string { return h.path }

// ByteSize returns the PCM bytes written so far (WAV header excluded).
func (h *Handle) ByteSize() int64 { return h.byteSize }

// Store owns segment backing files: one temporary WAV per segment, encoded
// to the upload layout (mono, 16 kHz, 16-bit signed PCM). Frames in other
// layouts are converted on append; a conversion fault degrades to writing
// the unconverted frame rather than dropping audio.
type Store struct {
	dir       string
	target    internal_audio.AudioConfig
	resampler internal_audio_resampler.AudioResampler
	logger    commons.Logger
	metrics   *internal_metrics.Metrics

	mu   sync.Mutex
	open map[string]*Handle
}

// NewStore creates the segment store rooted at dir, creating it if needed.
func NewStore(dir string, resampler internal_audio_resampler.AudioResampler,
	logger commons.Logger, metrics *internal_metrics.Metrics) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "voicewire")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segmenter: failed to create segment dir %s: %w", dir, err)
	}
	return &Store{
		dir:       dir,
		target:    internal_audio.UPLOAD_AUDIO_CONFIG,
		resampler: resampler,
		logger:    logger,
		metrics:   metrics,
		open:      map[string]*Handle{},
	}, nil
}

// Dir returns the directory the store owns.
func (s *Store) Dir() string { return s.dir }

// Open creates a new segment backing file and returns its handle.
func (s *Store) Open() (*Handle, error) {
	id := uuid.NewString()
	path := filepath.Join(s.dir, "seg-"+id+".wav")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("segmenter: failed to create segment file: %w", err)
	}

	h := &Handle{
		id:   id,
		path: path,
		file: f,
		encoder: wav.NewEncoder(f, s.target.SampleRate, s.target.BitDepth,
			s.target.Channels, internal_audio.AudioPCMFormat),
	}

	s.mu.Lock()
	s.open[id] = h
	s.mu.Unlock()
	return h, nil
}

// Append converts a frame to the target layout and writes it to the segment.
// On conversion failure the unconverted samples are written instead, which
// loses fidelity but never audio; the fault is logged and counted.
func (s *Store) Append(h *Handle, frame *internal_audio.Frame) error {
	samples := frame.Samples
	if !frame.Config.Equal(s.target) {
		converted, err := s.resampler.Resample(
			internal_audio.SamplesToBytes(frame.Samples), frame.Config, s.target)
		if err != nil {
			s.logger.Warnw("segmenter: frame conversion failed, writing unconverted audio",
				"segment", h.id, "error", err)
			s.metrics.RecordConversionFault()
		} else {
			samples = internal_audio.BytesToSamples(converted)
		}
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: s.target.Channels,
			SampleRate:  s.target.SampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: s.target.BitDepth,
	}
	for i, v := range samples {
		buf.Data[i] = int(v)
	}
	if err := h.encoder.Write(buf); err != nil {
		return fmt.Errorf("segmenter: failed to append to segment %s: %w", h.id, err)
	}
	h.byteSize += int64(len(samples) * internal_audio.AudioBytesPerSample)
	return nil
}

// Close flushes the WAV header. The backing file remains on disk and stays
// in the store's live set; the caller releases the claim with Forget once
// the file is registered downstream. Without that the sweep between Close
// and registration could take a valid segment.
func (s *Store) Close(h *Handle) (string, int64, error) {
	if err := h.encoder.Close(); err != nil {
		h.file.Close()
		return "", 0, fmt.Errorf("segmenter: failed to finalize segment %s: %w", h.id, err)
	}
	if err := h.file.Close(); err != nil {
		return "", 0, fmt.Errorf("segmenter: failed to close segment %s: %w", h.id, err)
	}
	return h.path, h.byteSize, nil
}

// Discard closes and deletes the backing file of an unfinished segment.
func (s *Store) Discard(h *Handle) error {
	s.forget(h)
	h.encoder.Close()
	h.file.Close()
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("segmenter: failed to remove segment %s: %w", h.id, err)
	}
	return nil
}

// Forget releases the store's claim on a closed segment after its ownership
// has been transferred downstream.
func (s *Store) Forget(h *Handle) {
	s.forget(h)
}

func (s *Store) forget(h *Handle) {
	s.mu.Lock()
	delete(s.open, h.id)
	s.mu.Unlock()
}

// LivePaths lists the backing files of open segments plus closed ones whose
// ownership has not been transferred yet. Used by the orphan reclaimer to
// avoid deleting files still claimed here.
func (s *Store) LivePaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.open))
	for _, h := range s.open {
		paths = append(paths, h.path)
	}
	return paths
}
