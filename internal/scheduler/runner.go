// Package scheduler runs memory consolidation on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rcliao/troupe-memory/internal/registry"
	"github.com/rcliao/troupe-memory/internal/store"
)

// Report is the outcome of consolidating one agent's memory.
type Report struct {
	Agent  string                     `json:"agent"`
	Result *store.ConsolidationResult `json:"result,omitempty"`
	Err    error                      `json:"-"`
	Error  string                     `json:"error,omitempty"`
}

// Runner consolidates every store in a registry. Runs never overlap.
type Runner struct {
	reg    *registry.Registry
	params store.ConsolidateParams
	logger *zap.Logger

	// OnRun, when set, receives the reports of every completed run.
	OnRun func([]Report)

	runMu sync.Mutex

	mu   sync.Mutex
	cron *rcron.Cron
}

// NewRunner creates a Runner over reg.
func NewRunner(reg *registry.Registry, params store.ConsolidateParams, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		reg:    reg,
		params: params,
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// RunOnce consolidates every open store in name order. A failing store does
// not stop the others.
func (r *Runner) RunOnce(ctx context.Context) []Report {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := time.Now()
	names := r.reg.Names()
	reports := make([]Report, 0, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		s := r.reg.Get(name)
		if s == nil {
			continue
		}

		rep := Report{Agent: name}
		rep.Result, rep.Err = s.Consolidate(ctx, r.params)
		if rep.Err != nil {
			rep.Error = rep.Err.Error()
			r.logger.Error("consolidation failed", zap.String("agent", name), zap.Error(rep.Err))
		}
		reports = append(reports, rep)
	}

	r.logger.Info("consolidation run finished",
		zap.Int("agents", len(reports)),
		zap.Duration("elapsed", time.Since(start)))
	if r.OnRun != nil {
		r.OnRun(reports)
	}
	return reports
}

// Start schedules RunOnce on spec (standard cron syntax or descriptors such
// as "@every 1h"). The schedule stops when ctx is done or Stop is called.
func (r *Runner) Start(ctx context.Context, spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return errors.New("scheduler already started")
	}

	c := rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("scheduler started", zap.String("schedule", spec))

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits briefly for a running consolidation.
func (r *Runner) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		r.logger.Warn("stop timeout waiting for running consolidation")
	}
	r.logger.Info("scheduler stopped")
}
