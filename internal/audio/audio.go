// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"time"
)

const (
	AudioBytesPerSample = 2  // LINEAR16 → 2 bytes per sample
	AudioBitsPerSample  = 16 // LINEAR16 → 16 bits per sample
	AudioPCMFormat      = 1  // WAV PCM format tag
)

// AudioConfig describes a PCM stream layout.
type AudioConfig struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// UPLOAD_AUDIO_CONFIG is the encoding every segment is converted to before
// it leaves the process: mono, 16 kHz, 16-bit signed PCM.
var UPLOAD_AUDIO_CONFIG = AudioConfig{
	SampleRate: 16000,
	Channels:   1,
	BitDepth:   16,
}

// BytesPerSecond returns the PCM data rate for a config.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * AudioBytesPerSample
}

// Equal reports whether two configs describe the same layout.
func (c AudioConfig) Equal(other AudioConfig) bool {
	return c.SampleRate == other.SampleRate &&
		c.Channels == other.Channels &&
		c.BitDepth == other.BitDepth
}

// Frame is a fixed-duration block of interleaved PCM samples. A frame is
// ephemeral: it is owned by the capture callback that produced it until the
// processing pipeline consumes it, and must be copied before being retained.
type Frame struct {
	Samples   []int16
	Config    AudioConfig
	Timestamp time.Time
}

// Duration returns the play time the frame covers.
func (f *Frame) Duration() time.Duration {
	if f.Config.SampleRate == 0 || f.Config.Channels == 0 {
		return 0
	}
	samplesPerChannel := len(f.Samples) / f.Config.Channels
	return time.Duration(samplesPerChannel) * time.Second / time.Duration(f.Config.SampleRate)
}

// ByteSize returns the PCM byte size of the frame.
func (f *Frame) ByteSize() int {
	return len(f.Samples) * AudioBytesPerSample
}

// Clone returns a deep copy safe to retain past the capture callback.
func (f *Frame) Clone() *Frame {
	samples := make([]int16, len(f.Samples))
	copy(samples, f.Samples)
	return &Frame{Samples: samples, Config: f.Config, Timestamp: f.Timestamp}
}

// SamplesToBytes serializes int16 samples as little-endian PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*AudioBytesPerSample)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// BytesToSamples deserializes little-endian PCM bytes into int16 samples.
// A trailing odd byte is dropped.
func BytesToSamples(data []byte) []int16 {
	n := len(data) / AudioBytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return out
}
