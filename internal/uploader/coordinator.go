// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"sync"
	"time"

	internal_metrics "github.com/rapidaai/voicewire/internal/metrics"
	internal_segmenter "github.com/rapidaai/voicewire/internal/segmenter"
	internal_transcript "github.com/rapidaai/voicewire/internal/transcript"
	"github.com/rapidaai/voicewire/pkg/commons"
)

// Releaser receives files whose owning task went terminal; the orphan
// reclaimer implements it and deletes them.
type Releaser interface {
	Release(path string)
}

// Config parameterizes the outbound transcription request.
type Config struct {
	Endpoint       string
	Model          string
	Language       string
	APIKey         string
	MaxUploadBytes int64
}

// Coordinator owns the submission and completion sides of the upload path.
// Submit runs on the segment-finalize goroutine; completions and retry
// resubmissions are consumed by the single Run loop, so registry task fields
// have exactly one writer.
type Coordinator struct {
	cfg        Config
	transport  Transport
	policy     RetryPolicy
	registry   *Registry
	reconciler *internal_transcript.Reconciler
	releaser   Releaser
	payloadDir string
	logger     commons.Logger
	metrics    *internal_metrics.Metrics

	resubmit chan TaskHandle
	runCtx   context.Context

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// NewCoordinator wires the upload subsystem. payloadDir is the durable
// location encoded request bodies are persisted to.
func NewCoordinator(cfg Config, transport Transport, policy RetryPolicy,
	registry *Registry, reconciler *internal_transcript.Reconciler, releaser Releaser,
	payloadDir string, logger commons.Logger, metrics *internal_metrics.Metrics) (*Coordinator, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("uploader: endpoint cannot be empty")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("uploader: max upload bytes must be positive")
	}
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("uploader: failed to create payload dir: %w", err)
	}
	return &Coordinator{
		cfg:        cfg,
		transport:  transport,
		policy:     policy,
		registry:   registry,
		reconciler: reconciler,
		releaser:   releaser,
		payloadDir: payloadDir,
		logger:     logger,
		metrics:    metrics,
		resubmit:   make(chan TaskHandle, 16),
		pending:    map[string]struct{}{},
	}, nil
}

// Submit validates a finalized segment, persists the encoded multipart
// request and hands it to the transport. A validation or encoding fault
// resolves the slot Failed immediately and never reaches the network.
func (c *Coordinator) Submit(ctx context.Context, seg internal_segmenter.Finalized, ordinal int) (TaskHandle, error) {
	if err := c.validate(seg); err != nil {
		c.logger.Errorw("uploader: segment rejected before submission",
			"segment", seg.ID, "ordinal", ordinal, "error", err)
		c.reconciler.Resolve(ordinal, internal_transcript.Resolution{Err: err})
		c.releaser.Release(seg.Path)
		return 0, err
	}

	payloadFile, contentType, err := c.encodePayload(seg)
	if err != nil {
		c.reconciler.Resolve(ordinal, internal_transcript.Resolution{
			Err: fmt.Errorf("failed to encode request: %w", err)})
		c.releaser.Release(seg.Path)
		return 0, err
	}

	task := &UploadTask{
		SegmentID:    seg.ID,
		Ordinal:      ordinal,
		AttemptCount: 1,
		OriginalFile: seg.Path,
		PayloadFile:  payloadFile,
		ContentType:  contentType,
		SubmittedAt:  time.Now(),
	}
	// Register before dispatching: a delivery can fail or finish before
	// Deliver returns, and its completion must find the task in the registry.
	task.Handle = c.transport.IssueHandle()
	c.registry.Insert(task)
	c.unclaim(payloadFile)
	c.transport.Deliver(ctx, task.Handle, c.request(task))
	c.metrics.RecordUploadSubmitted()
	c.logger.Infow("uploader: segment submitted",
		"segment", seg.ID, "ordinal", ordinal, "handle", task.Handle, "bytes", seg.ByteSize)
	return task.Handle, nil
}

// Run consumes completion and resubmission events until the context ends.
// It is the only goroutine that mutates task state.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			return nil
		case comp, ok := <-c.transport.Completions():
			if !ok {
				return nil
			}
			c.handleCompletion(comp)
		case handle := <-c.resubmit:
			c.handleResubmit(handle)
		}
	}
}

// Abort destroys all live tasks: payload files are deleted and segment
// files released. Used at session teardown so cancellation leaves nothing
// behind even with uploads still in flight.
func (c *Coordinator) Abort() {
	for _, task := range c.registry.Drain() {
		c.removePayload(task)
		c.releaser.Release(task.OriginalFile)
		c.logger.Debugw("uploader: task aborted", "segment", task.SegmentID, "handle", task.Handle)
	}
}

func (c *Coordinator) handleCompletion(comp Completion) {
	task, ok := c.registry.Get(comp.Handle)
	if !ok {
		c.logger.Debugw("uploader: completion for unknown task", "handle", comp.Handle)
		return
	}

	switch {
	case comp.Err != nil:
		// No HTTP response: distinguishable from 5xx, not auto-retried.
		c.finish(task, internal_transcript.Resolution{
			Err: fmt.Errorf("transport fault: %w", comp.Err)})

	case comp.StatusCode >= 200 && comp.StatusCode < 300:
		c.finish(task, decodeResponse(comp.Body))

	case comp.StatusCode >= 500:
		decision := c.policy.Decide(task.AttemptCount, comp.StatusCode)
		if !decision.Retry {
			c.finish(task, internal_transcript.Resolution{
				Err: fmt.Errorf("server error %d after %d attempts", comp.StatusCode, task.AttemptCount)})
			return
		}
		c.metrics.RecordUploadRetry()
		c.logger.Warnw("uploader: transient server fault, scheduling retry",
			"segment", task.SegmentID, "status", comp.StatusCode,
			"attempt", task.AttemptCount, "delay", decision.After)
		handle := task.Handle
		time.AfterFunc(decision.After, func() {
			select {
			case c.resubmit <- handle:
			case <-c.runCtx.Done():
			}
		})

	default:
		c.finish(task, internal_transcript.Resolution{
			Err: fmt.Errorf("request rejected with status %d", comp.StatusCode)})
	}
}

func (c *Coordinator) handleResubmit(handle TaskHandle) {
	task, ok := c.registry.Get(handle)
	if !ok {
		// Task went terminal (or was aborted) before the retry fired.
		return
	}
	task.AttemptCount++
	c.transport.Deliver(c.runCtx, handle, c.request(task))
}

// finish applies the terminal resolution: the task is destroyed, its encoded
// payload always freed, the original segment file released for reclamation.
func (c *Coordinator) finish(task *UploadTask, res internal_transcript.Resolution) {
	c.registry.Remove(task.Handle)
	c.removePayload(task)
	c.releaser.Release(task.OriginalFile)

	elapsed := time.Since(task.SubmittedAt).Seconds()
	if res.Err != nil {
		c.metrics.RecordUploadFailure(elapsed)
		c.logger.Warnw("uploader: task failed",
			"segment", task.SegmentID, "ordinal", task.Ordinal,
			"attempts", task.AttemptCount, "error", res.Err)
	} else {
		c.metrics.RecordUploadSuccess(elapsed)
		c.logger.Infow("uploader: task resolved",
			"segment", task.SegmentID, "ordinal", task.Ordinal, "attempts", task.AttemptCount)
	}
	c.reconciler.Resolve(task.Ordinal, res)
}

func (c *Coordinator) removePayload(task *UploadTask) {
	if err := os.Remove(task.PayloadFile); err != nil && !os.IsNotExist(err) {
		c.logger.Warnw("uploader: failed to remove payload file",
			"path", task.PayloadFile, "error", err)
	}
}

func (c *Coordinator) validate(seg internal_segmenter.Finalized) error {
	if seg.ByteSize <= 0 {
		return fmt.Errorf("segment %s is empty", seg.ID)
	}
	if seg.ByteSize > c.cfg.MaxUploadBytes {
		return fmt.Errorf("segment %s exceeds upload limit: %d > %d bytes",
			seg.ID, seg.ByteSize, c.cfg.MaxUploadBytes)
	}
	f, err := os.Open(seg.Path)
	if err != nil {
		return fmt.Errorf("segment file unreadable: %w", err)
	}
	defer f.Close()
	header := make([]byte, 12)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("segment file truncated: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return fmt.Errorf("segment %s is not a WAV container", seg.ID)
	}
	return nil
}

// encodePayload persists the full multipart request body to a temp file so
// retries and resumed deliveries reuse the identical bytes.
func (c *Coordinator) encodePayload(seg internal_segmenter.Finalized) (string, string, error) {
	src, err := os.Open(seg.Path)
	if err != nil {
		return "", "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp(c.payloadDir, "payload-*.part")
	if err != nil {
		return "", "", err
	}
	// Claimed from creation until the task is registered; the registry covers
	// the payload from then on.
	c.claim(dst.Name())

	writer := multipart.NewWriter(dst)
	part, err := writer.CreateFormFile("file", seg.ID+".wav")
	if err == nil {
		_, err = io.Copy(part, src)
	}
	if err == nil {
		err = writer.WriteField("model", c.cfg.Model)
	}
	if err == nil && c.cfg.Language != "" {
		err = writer.WriteField("language", c.cfg.Language)
	}
	if err == nil {
		err = writer.WriteField("response_format", "json")
	}
	if err == nil {
		err = writer.Close()
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst.Name())
		c.unclaim(dst.Name())
		return "", "", err
	}
	return dst.Name(), writer.FormDataContentType(), nil
}

func (c *Coordinator) claim(path string) {
	c.pendingMu.Lock()
	c.pending[path] = struct{}{}
	c.pendingMu.Unlock()
}

func (c *Coordinator) unclaim(path string) {
	c.pendingMu.Lock()
	delete(c.pending, path)
	c.pendingMu.Unlock()
}

// LivePaths lists payload files in the submission window between encoding and
// task registration, so a sweep racing Submit cannot take them.
func (c *Coordinator) LivePaths() []string {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	paths := make([]string, 0, len(c.pending))
	for p := range c.pending {
		paths = append(paths, p)
	}
	return paths
}

func (c *Coordinator) request(task *UploadTask) DeliveryRequest {
	headers := map[string]string{"Accept": "application/json"}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	return DeliveryRequest{
		URL:         c.cfg.Endpoint,
		PayloadFile: task.PayloadFile,
		ContentType: task.ContentType,
		Headers:     headers,
	}
}

type transcriptionResponse struct {
	Text       string                          `json:"text"`
	Utterances []internal_transcript.Utterance `json:"utterances,omitempty"`
}

// decodeResponse extracts transcript text from a 2xx body. A body that does
// not decode is a permanent fault.
func decodeResponse(body []byte) internal_transcript.Resolution {
	var resp transcriptionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return internal_transcript.Resolution{
			Err: fmt.Errorf("undecodable response body: %w", err)}
	}
	return internal_transcript.Resolution{
		Text:       resp.Text,
		Utterances: resp.Utterances,
	}
}
