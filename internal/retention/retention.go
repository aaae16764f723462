// Package retention prunes saved clips on a cron schedule, by age and by
// count.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/replayd/internal/config"
	"github.com/jmylchreest/replayd/internal/models"
	"github.com/jmylchreest/replayd/internal/observability"
)

// ErrAlreadyStarted is returned by Start on a running pruner.
var ErrAlreadyStarted = errors.New("retention pruner already started")

// Store is the part of the clip catalog the pruner needs.
type Store interface {
	OlderThan(ctx context.Context, age time.Duration) ([]*models.Clip, error)
	Excess(ctx context.Context, keep int) ([]*models.Clip, error)
	Delete(ctx context.Context, id models.ULID) (*models.Clip, error)
}

// Report summarises one prune run.
type Report struct {
	Expired    int           `json:"expired"`
	OverLimit  int           `json:"over_limit"`
	Deleted    int           `json:"deleted"`
	Failed     int           `json:"failed"`
	FreedBytes int64         `json:"freed_bytes"`
	Elapsed    time.Duration `json:"elapsed"`
}

// parser accepts standard five-field specs plus descriptors like "@every 1h".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron expression.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return nil
}

// Pruner deletes clips that fall outside the retention policy.
type Pruner struct {
	store    Store
	schedule cron.Schedule
	spec     string
	maxAge   time.Duration
	maxClips int
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron

	// runMu keeps scheduled and manual runs from overlapping.
	runMu sync.Mutex
}

// New creates a pruner. The schedule is parsed up front.
func New(cfg config.RetentionConfig, store Store, logger *slog.Logger) (*Pruner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	return &Pruner{
		store:    store,
		schedule: schedule,
		spec:     cfg.Schedule,
		maxAge:   cfg.MaxAge.Duration(),
		maxClips: cfg.MaxClips,
		logger:   observability.WithComponent(logger, "retention"),
	}, nil
}

// Start runs Prune on the schedule until Stop is called or ctx is done.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cron != nil {
		return ErrAlreadyStarted
	}

	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{logger: p.logger}),
		cron.WithChain(cron.Recover(cronLogger{logger: p.logger})),
	)
	c.Schedule(p.schedule, cron.FuncJob(func() {
		if _, err := p.Prune(ctx); err != nil && ctx.Err() == nil {
			observability.WithError(observability.WithOperation(p.logger, "scheduled_prune"), err).
				Error("scheduled prune failed")
		}
	}))
	c.Start()

	p.cron = c

	next := p.schedule.Next(time.Now())
	p.logger.Info("retention pruner started",
		slog.String("schedule", p.spec),
		slog.Duration("max_age", p.maxAge),
		slog.Int("max_clips", p.maxClips),
		slog.Time("next_run", next))

	return nil
}

// Stop stops the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	p.logger.Info("retention pruner stopped")
}

// Next returns the next scheduled run after t.
func (p *Pruner) Next(t time.Time) time.Time {
	return p.schedule.Next(t)
}

// Prune deletes clips older than max_age and clips beyond the newest
// max_clips. A zero limit disables that rule. Individual delete failures are
// counted and logged; the run carries on.
func (p *Pruner) Prune(ctx context.Context) (Report, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	started := time.Now()
	var report Report

	victims := make(map[models.ULID]*models.Clip)
	var order []models.ULID
	add := func(clips []*models.Clip) {
		for _, c := range clips {
			if _, ok := victims[c.ID]; ok {
				continue
			}
			victims[c.ID] = c
			order = append(order, c.ID)
		}
	}

	if p.maxAge > 0 {
		expired, err := p.store.OlderThan(ctx, p.maxAge)
		if err != nil {
			return report, fmt.Errorf("finding expired clips: %w", err)
		}
		report.Expired = len(expired)
		add(expired)
	}

	if p.maxClips > 0 {
		excess, err := p.store.Excess(ctx, p.maxClips)
		if err != nil {
			return report, fmt.Errorf("finding clips over limit: %w", err)
		}
		report.OverLimit = len(excess)
		add(excess)
	}

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		clip, err := p.store.Delete(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrClipNotFound) {
				continue
			}
			report.Failed++
			observability.WithError(p.logger, err).Warn("failed to prune clip",
				slog.String("clip_id", id.String()),
				slog.String("path", victims[id].Path))
			continue
		}
		report.Deleted++
		report.FreedBytes += clip.SizeBytes
	}

	report.Elapsed = time.Since(started)
	if report.Deleted > 0 || report.Failed > 0 {
		p.logger.Info("clips pruned",
			slog.Int("deleted", report.Deleted),
			slog.Int("failed", report.Failed),
			slog.String("freed", humanize.IBytes(uint64(report.FreedBytes))),
			slog.Duration("elapsed", report.Elapsed))
	} else {
		p.logger.Debug("nothing to prune")
	}

	return report, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	observability.WithError(l.logger, err).Error("cron: "+msg, keysAndValues...)
}
