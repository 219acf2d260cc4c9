// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_uploader

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicewire/pkg/commons"
)

func TestTransportIssuesDistinctHandles(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	tr := NewHTTPTransport(time.Second, 1, logger)
	defer tr.Close()

	seen := map[TaskHandle]struct{}{}
	for i := 0; i < 100; i++ {
		h := tr.IssueHandle()
		_, dup := seen[h]
		require.False(t, dup, "handle %d issued twice", h)
		seen[h] = struct{}{}
	}
}

func TestTransportCloseWithUnreadCompletions(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	tr := NewHTTPTransport(time.Second, 1, logger)

	// Every delivery fails instantly on the missing payload file. Nobody
	// reads the completions, so the channel buffer fills and the remaining
	// sends have no receiver.
	missing := filepath.Join(t.TempDir(), "gone.part")
	for i := 0; i < 80; i++ {
		tr.Deliver(context.Background(), tr.IssueHandle(), DeliveryRequest{
			URL:         "http://127.0.0.1:0",
			PayloadFile: missing,
		})
	}

	done := make(chan struct{})
	go func() {
		assert.NoError(t, tr.Close())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("transport close hung on unread completion outcomes")
	}
}
