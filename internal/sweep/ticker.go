// Package sweep drives the continuation trigger.
//
// The dispatcher itself never loops; something has to periodically ask it to
// continue running jobs. In-process that something is a cron schedule; the
// HTTP API exposes the same tick for external triggers.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchd/internal/dispatch"
	logx "dispatchd/pkg/logx"
)

// Runner is the continuation entry point the ticker drives.
type Runner interface {
	Sweep(ctx context.Context) (dispatch.SweepSummary, error)
}

type Config struct {
	Enabled  bool
	Schedule string // cron spec, "@every 30s", bare duration, or HH:MM
}

// Ticker invokes the Runner on the configured schedule.
type Ticker struct {
	mu sync.Mutex

	cfg    Config
	runner Runner
	log    logx.Logger

	c      *cron.Cron
	cancel context.CancelFunc
}

func New(cfg Config, runner Runner, log logx.Logger) *Ticker {
	return &Ticker{cfg: cfg, runner: runner, log: log.With(logx.String("comp", "sweep"))}
}

// Start registers the schedule and fires one immediate tick so jobs that
// were running when the process died resume without waiting a full period.
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cfg.Enabled {
		t.log.Info("continuation ticker disabled")
		return nil
	}
	if t.c != nil {
		return nil
	}

	spec, err := ParseSchedule(t.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	expr := spec.Cron
	if spec.Kind == SpecInterval {
		expr = "@every " + spec.Every.String()
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	c := cron.New()
	if _, err := c.AddFunc(expr, func() { t.tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("register sweep schedule %q: %w", expr, err)
	}
	c.Start()
	t.c = c
	t.log.Info("continuation ticker started", logx.String("schedule", expr))

	go t.tick(runCtx)
	return nil
}

func (t *Ticker) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	cancel := t.cancel
	t.c = nil
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	t.log.Info("continuation ticker stopped")
}

// Apply restarts the ticker when enable state or schedule changed. The
// current tick, if any, finishes under the old schedule.
func (t *Ticker) Apply(ctx context.Context, cfg Config) {
	t.mu.Lock()
	unchanged := cfg == t.cfg
	t.cfg = cfg
	t.mu.Unlock()
	if unchanged {
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	t.Stop(stopCtx)
	cancel()
	if err := t.Start(ctx); err != nil {
		t.log.Error("ticker restart failed", logx.Err(err))
	}
}

func (t *Ticker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	sum, err := t.runner.Sweep(ctx)
	if err != nil {
		t.log.Error("sweep tick failed", logx.Err(err))
		return
	}
	if sum.Running > 0 || sum.Activated > 0 {
		t.log.Info("sweep tick",
			logx.Int("running", sum.Running),
			logx.Int("activated", sum.Activated),
			logx.Int("resumed", sum.Resumed),
			logx.Int("completed", sum.Completed),
			logx.Int("pruned", sum.Pruned),
			logx.Duration("took", time.Since(start)))
	}
}
