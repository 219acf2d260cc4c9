// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_vad

import (
	"fmt"

	"github.com/streamer45/silero-vad-go/speech"

	internal_audio "github.com/rapidaai/voicewire/internal/audio"
	"github.com/rapidaai/voicewire/pkg/commons"
)

// sileroWindowSamples is the model's window size at 16 kHz (32 ms).
const sileroWindowSamples = 512

// sileroDetector classifies frames with the pretrained Silero VAD model.
// Incoming frames are sliced into fixed model windows; a frame is voiced if
// any of its windows is classified voiced. Samples that do not fill a whole
// window are carried into the next frame.
type sileroDetector struct {
	sd     *speech.Detector
	carry  []float32
	logger commons.Logger
}

// NewSileroDetector loads the ONNX voice classifier. The detector expects
// frames already converted to mono 16 kHz PCM.
func NewSileroDetector(modelPath string, threshold float32, logger commons.Logger) (Detector, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("vad: silero model path cannot be empty")
	}
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("vad: silero threshold must be between 0 and 1, got %f", threshold)
	}

	sd, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           internal_audio.UPLOAD_AUDIO_CONFIG.SampleRate,
		Threshold:            threshold,
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: failed to load silero model: %w", err)
	}

	return &sileroDetector{sd: sd, logger: logger}, nil
}

func (d *sileroDetector) Name() string {
	return "silero-classifier"
}

func (d *sileroDetector) IsVoiced(frame *internal_audio.Frame) (bool, error) {
	for _, s := range frame.Samples {
		d.carry = append(d.carry, float32(s)/32768.0)
	}

	voiced := false
	for len(d.carry) >= sileroWindowSamples {
		window := d.carry[:sileroWindowSamples]
		segments, err := d.sd.Detect(window)
		if err != nil {
			return false, fmt.Errorf("vad: silero inference failed: %w", err)
		}
		if len(segments) > 0 {
			voiced = true
		}
		d.carry = d.carry[sileroWindowSamples:]
	}
	return voiced, nil
}

// Reset drops buffered samples and the model's recurrent state. A forced
// segment split is treated as a hard reset; classifier state does not carry
// across the split.
func (d *sileroDetector) Reset() error {
	d.carry = nil
	if err := d.sd.Reset(); err != nil {
		return fmt.Errorf("vad: silero reset failed: %w", err)
	}
	return nil
}

func (d *sileroDetector) Close() error {
	if err := d.sd.Destroy(); err != nil {
		return fmt.Errorf("vad: silero destroy failed: %w", err)
	}
	return nil
}
