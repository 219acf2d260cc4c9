// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_uploader

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/voicewire/pkg/commons"
)

// DeliveryRequest describes one outbound transcription request. The payload
// lives in a durable temp file so the same body can be redelivered on retry
// or after process suspension.
type DeliveryRequest struct {
	URL         string
	PayloadFile string
	ContentType string
	Headers     map[string]string
}

// Completion is the terminal outcome of one delivery attempt. Err set means
// a transport-level fault with no HTTP response; otherwise StatusCode and
// Body carry the server's answer.
type Completion struct {
	Handle     TaskHandle
	StatusCode int
	Body       []byte
	Err        error
}

// Transport delivers encoded requests in the background and reports each
// attempt's outcome as a value on the completions channel. Deliveries
// outlive the submitting call; they are bounded only by the per-attempt
// timeout.
type Transport interface {
	// IssueHandle reserves the handle for a delivery before it is
	// dispatched, so the caller can register the task first. A delivery can
	// complete arbitrarily fast; its completion must find the task.
	IssueHandle() TaskHandle
	// Deliver starts an asynchronous delivery attempt for a previously
	// issued handle. Reusing a handle redelivers (retry).
	Deliver(ctx context.Context, handle TaskHandle, req DeliveryRequest)
	Completions() <-chan Completion
	// Close waits for in-flight deliveries and closes the completions
	// channel. Outcomes nobody is reading anymore are dropped, not blocked
	// on.
	Close() error
}

type httpTransport struct {
	client      *resty.Client
	completions chan Completion
	semaphore   chan struct{}
	done        chan struct{}
	next        atomic.Uint64
	logger      commons.Logger
	wg          sync.WaitGroup
}

// NewHTTPTransport builds the resty-backed transport. timeout bounds each
// attempt; maxConcurrent caps parallel deliveries.
func NewHTTPTransport(timeout time.Duration, maxConcurrent int, logger commons.Logger) Transport {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "voicewire/1.0")
	return &httpTransport{
		client:      client,
		completions: make(chan Completion, 64),
		semaphore:   make(chan struct{}, maxConcurrent),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

func (t *httpTransport) IssueHandle() TaskHandle {
	return TaskHandle(t.next.Add(1))
}

func (t *httpTransport) Completions() <-chan Completion {
	return t.completions
}

func (t *httpTransport) Close() error {
	close(t.done)
	t.wg.Wait()
	close(t.completions)
	return nil
}

func (t *httpTransport) Deliver(ctx context.Context, handle TaskHandle, req DeliveryRequest) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		select {
		case t.semaphore <- struct{}{}:
			defer func() { <-t.semaphore }()
		case <-ctx.Done():
			t.complete(Completion{Handle: handle, Err: ctx.Err()})
			return
		case <-t.done:
			return
		}

		// The payload file is read fresh on every attempt; the body must
		// survive until terminal resolution.
		body, err := os.ReadFile(req.PayloadFile)
		if err != nil {
			t.complete(Completion{Handle: handle, Err: err})
			return
		}

		resp, err := t.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", req.ContentType).
			SetHeaders(req.Headers).
			SetBody(body).
			Post(req.URL)
		if err != nil {
			// Timeouts land here too and are classified as transport faults.
			t.complete(Completion{Handle: handle, Err: err})
			return
		}

		t.complete(Completion{
			Handle:     handle,
			StatusCode: resp.StatusCode(),
			Body:       resp.Body(),
		})
	}()
}

// complete reports an attempt outcome without ever blocking past Close: once
// the consumer is gone the buffered channel can fill, and an unconditional
// send would wedge Close's wait.
func (t *httpTransport) complete(c Completion) {
	select {
	case t.completions <- c:
	case <-t.done:
	}
}
