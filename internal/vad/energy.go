// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_vad

import (
	"fmt"
	"math"

	internal_audio "github.com/rapidaai/voicewire/internal/audio"
	"github.com/rapidaai/voicewire/pkg/commons"
)

// energyDetector classifies a frame as voiced when its normalized RMS
// magnitude exceeds a fixed threshold. Stateless across frames.
type energyDetector struct {
	threshold float64
	logger    commons.Logger
}

// NewEnergyDetector creates an RMS threshold detector. The threshold is on
// the normalized [0, 1] scale where 1.0 is a full-scale 16-bit signal.
func NewEnergyDetector(threshold float64, logger commons.Logger) (Detector, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("vad: energy threshold must be between 0 and 1, got %f", threshold)
	}
	return &energyDetector{threshold: threshold, logger: logger}, nil
}

func (d *energyDetector) Name() string {
	return "energy-threshold"
}

func (d *energyDetector) IsVoiced(frame *internal_audio.Frame) (bool, error) {
	if len(frame.Samples) == 0 {
		return false, nil
	}
	var sum float64
	for _, s := range frame.Samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame.Samples)))
	return rms > d.threshold, nil
}

func (d *energyDetector) Reset() error {
	return nil
}

func (d *energyDetector) Close() error {
	return nil
}
