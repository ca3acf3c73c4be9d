// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	internallog "github.com/tombee/auditflow/internal/log"
	"github.com/tombee/auditflow/internal/tracing/export"
)

// Pruner deletes audit data older than a cutoff.
type Pruner interface {
	Name() string
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Retention periodically prunes audit data older than maxAge.
type Retention struct {
	pruners  []Pruner
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRetention creates a retention manager. interval defaults to one hour.
func NewRetention(maxAge, interval time.Duration, logger *slog.Logger, pruners ...Pruner) *Retention {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		pruners:  pruners,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		logger:   internallog.WithComponent(logger, "retention"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs a pass immediately and then every interval in the background.
func (r *Retention) Start() {
	go r.run()
}

// Stop ends the loop and waits for an in-progress pass.
func (r *Retention) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

func (r *Retention) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.pass()
	for {
		select {
		case <-ticker.C:
			r.pass()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Retention) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("audit retention pass failed", internallog.Error(err))
	}
}

// RunOnce prunes every target and returns the total removed.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	before := r.now().Add(-r.maxAge)

	var (
		total int64
		errs  []error
	)
	for _, p := range r.pruners {
		n, err := p.Prune(ctx, before)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if n > 0 {
			r.logger.Info("pruned old audit data",
				slog.String("target", p.Name()),
				slog.Int64("count", n),
				slog.String("before", before.Format(time.RFC3339)))
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// FilePruner removes daily JSONL files whose whole day precedes the cutoff.
type FilePruner struct {
	Dir string
}

// Name implements Pruner.
func (FilePruner) Name() string { return "jsonfile" }

// Prune implements Pruner.
func (p FilePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	entries, err := os.ReadDir(p.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, ok := export.ParseDailyFileName(entry.Name())
		if !ok || day.Add(24*time.Hour).After(before) {
			continue
		}
		if err := os.Remove(filepath.Join(p.Dir, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
