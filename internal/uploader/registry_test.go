// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_uploader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Len())

	task := &UploadTask{Handle: 7, SegmentID: "seg-a", OriginalFile: "/tmp/a.wav", PayloadFile: "/tmp/a.part"}
	r.Insert(task)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get(7)
	require.True(t, ok)
	assert.Equal(t, "seg-a", got.SegmentID)

	_, ok = r.Get(8)
	assert.False(t, ok)

	removed, ok := r.Remove(7)
	require.True(t, ok)
	assert.Equal(t, task, removed)
	assert.Equal(t, 0, r.Len())

	_, ok = r.Remove(7)
	assert.False(t, ok, "second remove should miss")
}

func TestRegistryLivePaths(t *testing.T) {
	r := NewRegistry()
	r.Insert(&UploadTask{Handle: 1, OriginalFile: "/tmp/a.wav", PayloadFile: "/tmp/a.part"})
	r.Insert(&UploadTask{Handle: 2, OriginalFile: "/tmp/b.wav", PayloadFile: "/tmp/b.part"})

	paths := r.LivePaths()
	assert.ElementsMatch(t,
		[]string{"/tmp/a.wav", "/tmp/a.part", "/tmp/b.wav", "/tmp/b.part"}, paths)
}

func TestRegistryDrain(t *testing.T) {
	r := NewRegistry()
	r.Insert(&UploadTask{Handle: 1})
	r.Insert(&UploadTask{Handle: 2})

	drained := r.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, r.Len(), "drain should empty the registry")
	assert.Empty(t, r.Drain())
}
