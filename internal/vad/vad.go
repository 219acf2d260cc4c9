// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_vad

import (
	"fmt"

	internal_audio "github.com/rapidaai/voicewire/internal/audio"
	"github.com/rapidaai/voicewire/pkg/commons"
)

// Strategy names accepted by NewDetector.
const (
	StrategyEnergy = "energy"
	StrategySilero = "silero"
)

// Detector classifies a frame as voiced or unvoiced. The segmentation engine
// consumes only the boolean; which strategy produced it is a deployment
// decision.
type Detector interface {
	Name() string
	IsVoiced(frame *internal_audio.Frame) (bool, error)
	// Reset clears any internal classification state. Called on forced
	// segment splits and on cancellation.
	Reset() error
	Close() error
}

// Config selects and parameterizes a detector strategy.
type Config struct {
	Strategy        string
	EnergyThreshold float64
	ModelPath       string
	SileroThreshold float32
}

// NewDetector builds the configured boundary detector.
func NewDetector(cfg Config, logger commons.Logger) (Detector, error) {
	switch cfg.Strategy {
	case StrategyEnergy, "":
		return NewEnergyDetector(cfg.EnergyThreshold, logger)
	case StrategySilero:
		return NewSileroDetector(cfg.ModelPath, cfg.SileroThreshold, logger)
	default:
		return nil, fmt.Errorf("vad: unknown detector strategy %q", cfg.Strategy)
	}
}
