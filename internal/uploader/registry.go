// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_uploader

import (
	"sync"
	"time"
)

// TaskHandle is the opaque identifier the transport layer issues for one
// delivery. Keys the task registry.
type TaskHandle uint64

// UploadTask correlates a transport delivery with its segment and slot.
// There is at most one live task per segment; a retry reuses the handle and
// bumps AttemptCount rather than creating a second task.
type UploadTask struct {
	Handle       TaskHandle
	SegmentID    string
	Ordinal      int
	AttemptCount int
	OriginalFile string
	PayloadFile  string
	ContentType  string
	SubmittedAt  time.Time
}

// Registry is the typed task map. Inserts happen on the submission path and
// removals on the completion path; every access is serialized on the mutex.
// Task fields are only mutated by the coordinator's run loop.
type Registry struct {
	mu    sync.Mutex
	tasks map[TaskHandle]*UploadTask
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: map[TaskHandle]*UploadTask{}}
}

// Insert registers a task under its handle.
func (r *Registry) Insert(task *UploadTask) {
	r.mu.Lock()
	r.tasks[task.Handle] = task
	r.mu.Unlock()
}

// Get returns the task for a handle, if still live.
func (r *Registry) Get(handle TaskHandle) (*UploadTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[handle]
	return task, ok
}

// Remove deletes and returns the task for a handle.
func (r *Registry) Remove(handle TaskHandle) (*UploadTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[handle]
	if ok {
		delete(r.tasks, handle)
	}
	return task, ok
}

// Drain removes and returns all live tasks.
func (r *Registry) Drain() []*UploadTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*UploadTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.tasks = map[TaskHandle]*UploadTask{}
	return out
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// LivePaths lists every file owned by a live task: the encoded payload and
// the original segment. Consumed by the orphan reclaimer.
func (r *Registry) LivePaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.tasks)*2)
	for _, t := range r.tasks {
		paths = append(paths, t.PayloadFile, t.OriginalFile)
	}
	return paths
}
