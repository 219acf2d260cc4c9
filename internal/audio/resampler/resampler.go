// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio_resampler

import (
	"fmt"

	internal_audio "github.com/rapidaai/voicewire/internal/audio"
	"github.com/rapidaai/voicewire/pkg/commons"
)

// AudioResampler converts raw PCM between stream layouts: channel downmix
// first, then sample-rate conversion. Input and output are little-endian
// 16-bit PCM bytes.
type AudioResampler interface {
	Resample(data []byte, from, to internal_audio.AudioConfig) ([]byte, error)
}

type linearResampler struct {
	logger commons.Logger
}

// GetResampler returns the process-wide PCM resampler.
func GetResampler(logger commons.Logger) (AudioResampler, error) {
	return &linearResampler{logger: logger}, nil
}

func (r *linearResampler) Resample(data []byte, from, to internal_audio.AudioConfig) ([]byte, error) {
	if from.BitDepth != 16 || to.BitDepth != 16 {
		return nil, fmt.Errorf("resampler: only 16-bit PCM is supported, got %d -> %d bits",
			from.BitDepth, to.BitDepth)
	}
	if from.Channels < 1 || to.Channels < 1 || from.SampleRate < 1 || to.SampleRate < 1 {
		return nil, fmt.Errorf("resampler: invalid config %+v -> %+v", from, to)
	}
	if from.Equal(to) {
		return data, nil
	}

	samples := internal_audio.BytesToSamples(data)

	if from.Channels != to.Channels {
		var err error
		samples, err = downmix(samples, from.Channels, to.Channels)
		if err != nil {
			return nil, err
		}
	}

	if from.SampleRate != to.SampleRate {
		samples = convertRate(samples, to.Channels, from.SampleRate, to.SampleRate)
	}

	return internal_audio.SamplesToBytes(samples), nil
}

// downmix averages interleaved channels down to the target count. Upmixing
// beyond duplication to mono targets is not supported.
func downmix(samples []int16, fromCh, toCh int) ([]int16, error) {
	if toCh != 1 {
		return nil, fmt.Errorf("resampler: unsupported channel conversion %d -> %d", fromCh, toCh)
	}
	frames := len(samples) / fromCh
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < fromCh; ch++ {
			sum += int(samples[i*fromCh+ch])
		}
		out[i] = int16(sum / fromCh)
	}
	return out, nil
}

// convertRate performs linear-interpolation sample rate conversion on
// interleaved PCM.
func convertRate(samples []int16, channels, fromRate, toRate int) []int16 {
	frames := len(samples) / channels
	if frames == 0 {
		return nil
	}
	outFrames := int(int64(frames) * int64(toRate) / int64(fromRate))
	if outFrames < 1 {
		outFrames = 1
	}
	out := make([]int16, outFrames*channels)
	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= frames {
			next = frames - 1
		}
		for ch := 0; ch < channels; ch++ {
			a := float64(samples[idx*channels+ch])
			b := float64(samples[next*channels+ch])
			out[i*channels+ch] = int16(a + (b-a)*frac)
		}
	}
	return out
}
