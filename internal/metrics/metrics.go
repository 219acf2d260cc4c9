// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus instruments for the capture/upload pipeline.
// All Record* methods are nil-safe so components can run without metrics in
// tests.
type Metrics struct {
	FramesCaptured   prometheus.Counter
	FramesDropped    prometheus.Counter
	ConversionFaults prometheus.Counter
	CapturePauses    prometheus.Counter

	VADFramesProcessed prometheus.Counter
	VADFramesVoiced    prometheus.Counter

	SegmentsFinalized prometheus.Counter
	SegmentsDiscarded prometheus.Counter
	SegmentsSplit     prometheus.Counter
	SegmentDuration   prometheus.Histogram
	SegmentBytes      prometheus.Histogram

	UploadsSubmitted prometheus.Counter
	UploadSuccesses  prometheus.Counter
	UploadFailures   prometheus.Counter
	UploadRetries    prometheus.Counter
	UploadDuration   prometheus.Histogram

	OrphansReclaimed prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics on the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		FramesCaptured: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_frames_captured_total",
			Help: "Total number of audio frames delivered by the capture device",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_frames_dropped_total",
			Help: "Total number of frames dropped because the pipeline queue was full",
		}),
		ConversionFaults: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_conversion_faults_total",
			Help: "Total number of frames that degraded to unconverted PCM",
		}),
		CapturePauses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_capture_pauses_total",
			Help: "Total number of recoverable capture interruptions",
		}),
		VADFramesProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_vad_frames_processed_total",
			Help: "Total number of frames classified by the boundary detector",
		}),
		VADFramesVoiced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_vad_frames_voiced_total",
			Help: "Total number of frames classified as voiced",
		}),
		SegmentsFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_segments_finalized_total",
			Help: "Total number of segments closed and handed to the uploader",
		}),
		SegmentsDiscarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_segments_discarded_total",
			Help: "Total number of segments discarded below the minimum byte threshold",
		}),
		SegmentsSplit: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_segments_split_total",
			Help: "Total number of forced segment splits at the duration/size cap",
		}),
		SegmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicewire_segment_duration_seconds",
			Help:    "Duration of finalized segments",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~8.5 minutes
		}),
		SegmentBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicewire_segment_size_bytes",
			Help:    "PCM byte size of finalized segments",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 14), // 4KB to ~32MB
		}),
		UploadsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_uploads_submitted_total",
			Help: "Total number of upload tasks submitted to the transport",
		}),
		UploadSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_upload_successes_total",
			Help: "Total number of uploads resolved with transcript text",
		}),
		UploadFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_upload_failures_total",
			Help: "Total number of uploads resolved failed",
		}),
		UploadRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_upload_retries_total",
			Help: "Total number of upload retry attempts",
		}),
		UploadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicewire_upload_duration_seconds",
			Help:    "Wall time from submission to terminal resolution",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		OrphansReclaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_orphans_reclaimed_total",
			Help: "Total number of orphaned temp files removed by the reclaimer",
		}),
	}
}

// Serve exposes the metrics endpoint. Blocks until the listener fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

func (m *Metrics) RecordFrameCaptured() {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
}

func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) RecordConversionFault() {
	if m == nil {
		return
	}
	m.ConversionFaults.Inc()
}

func (m *Metrics) RecordCapturePause() {
	if m == nil {
		return
	}
	m.CapturePauses.Inc()
}

func (m *Metrics) RecordVADFrame(voiced bool) {
	if m == nil {
		return
	}
	m.VADFramesProcessed.Inc()
	if voiced {
		m.VADFramesVoiced.Inc()
	}
}

func (m *Metrics) RecordSegmentFinalized(durationSeconds float64, sizeBytes int64) {
	if m == nil {
		return
	}
	m.SegmentsFinalized.Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentBytes.Observe(float64(sizeBytes))
}

func (m *Metrics) RecordSegmentDiscarded() {
	if m == nil {
		return
	}
	m.SegmentsDiscarded.Inc()
}

func (m *Metrics) RecordSegmentSplit() {
	if m == nil {
		return
	}
	m.SegmentsSplit.Inc()
}

func (m *Metrics) RecordUploadSubmitted() {
	if m == nil {
		return
	}
	m.UploadsSubmitted.Inc()
}

func (m *Metrics) RecordUploadSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadSuccesses.Inc()
	m.UploadDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordUploadFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadFailures.Inc()
	m.UploadDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordUploadRetry() {
	if m == nil {
		return
	}
	m.UploadRetries.Inc()
}

func (m *Metrics) RecordOrphanReclaimed() {
	if m == nil {
		return
	}
	m.OrphansReclaimed.Inc()
}
