// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_reclaimer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	internal_metrics "github.com/rapidaai/voicewire/internal/metrics"
	"github.com/rapidaai/voicewire/pkg/commons"
)

// LiveSource reports files currently owned by a live entity (open segment,
// in-flight upload task). Anything in the reclaimer's directory not claimed
// by a source is an orphan.
type LiveSource interface {
	LivePaths() []string
}

// Reclaimer garbage-collects temp files left behind by crashes,
// cancellations and completed-but-unlinked tasks. It owns one directory and
// never touches files outside it.
type Reclaimer struct {
	dir      string
	interval time.Duration
	sources  []LiveSource
	logger   commons.Logger
	metrics  *internal_metrics.Metrics
}

// NewReclaimer builds a reclaimer over dir. sources enumerate live file
// ownership at sweep time.
func NewReclaimer(dir string, interval time.Duration, sources []LiveSource,
	logger commons.Logger, metrics *internal_metrics.Metrics) (*Reclaimer, error) {
	if dir == "" {
		return nil, fmt.Errorf("reclaimer: directory cannot be empty")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reclaimer{
		dir:      dir,
		interval: interval,
		sources:  sources,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// AddSource registers another live-path source. Must be called before Run;
// it exists because some sources are constructed after the reclaimer they
// report to.
func (r *Reclaimer) AddSource(src LiveSource) {
	r.sources = append(r.sources, src)
}

// Release deletes a file whose owning entity went terminal. Missing files
// are not an error; a prior sweep may have won the race.
func (r *Reclaimer) Release(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warnw("reclaimer: failed to release file", "path", path, "error", err)
		return
	}
	r.metrics.RecordOrphanReclaimed()
}

// Sweep scans the owned directory and deletes every file not referenced by
// a live source. Returns the number of orphans removed.
func (r *Reclaimer) Sweep() (int, error) {
	live := map[string]struct{}{}
	for _, src := range r.sources {
		for _, p := range src.LivePaths() {
			abs, err := filepath.Abs(p)
			if err != nil {
				abs = p
			}
			live[abs] = struct{}{}
		}
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("reclaimer: failed to scan %s: %w", r.dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if _, ok := live[abs]; ok {
			continue
		}
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				r.logger.Warnw("reclaimer: failed to remove orphan", "path", path, "error", err)
			}
			continue
		}
		r.logger.Debugw("reclaimer: removed orphan", "path", path)
		r.metrics.RecordOrphanReclaimed()
		removed++
	}
	return removed, nil
}

// Run sweeps periodically until the context ends, with a final sweep on the
// way out.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if _, err := r.Sweep(); err != nil {
				r.logger.Warnw("reclaimer: final sweep failed", "error", err)
			}
			return nil
		case <-ticker.C:
			if n, err := r.Sweep(); err != nil {
				r.logger.Warnw("reclaimer: sweep failed", "error", err)
			} else if n > 0 {
				r.logger.Infow("reclaimer: sweep removed orphans", "count", n)
			}
		}
	}
}
