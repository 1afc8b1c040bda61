package trigger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron fires the configured prompt whenever the schedule matches.
// Fires of one source never overlap: a fire that comes due while the
// previous callback is still running waits for it.
type Cron struct {
	cfg      CronConfig
	cb       Callback
	schedule cron.Schedule
	location *time.Location
	logger   *slog.Logger

	mu     sync.Mutex
	runner *cron.Cron
}

// NewCron parses the schedule and timezone. Nothing runs until Start.
func NewCron(cfg CronConfig, cb Callback, opts ...Option) (*Cron, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
	}
	o := buildOptions(opts)
	return &Cron{
		cfg:      cfg,
		cb:       cb,
		schedule: schedule,
		location: loc,
		logger:   o.logger.With("component", "trigger.cron", "schedule", cfg.Schedule),
	}, nil
}

func (c *Cron) Type() Type { return TypeCron }

// Next returns the first fire time strictly after t.
func (c *Cron) Next(t time.Time) time.Time {
	return c.schedule.Next(t.In(c.location))
}

func (c *Cron) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runner != nil {
		return nil
	}

	l := cronLogger{c.logger}
	runner := cron.New(
		cron.WithLocation(c.location),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.DelayIfStillRunning(l)),
	)
	runner.Schedule(c.schedule, cron.FuncJob(c.fire))
	runner.Start()
	c.runner = runner
	c.logger.Info("cron trigger started", "timezone", c.location.String())
	return nil
}

// Stop halts the scheduler and waits for a running fire to complete.
func (c *Cron) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runner == nil {
		return nil
	}
	<-c.runner.Stop().Done()
	c.runner = nil
	c.logger.Info("cron trigger stopped")
	return nil
}

func (c *Cron) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runner != nil
}

func (c *Cron) fire() {
	c.cb(NewEvent(TypeCron, c.cfg.Prompt, map[string]any{
		"schedule": c.cfg.Schedule,
		"timezone": c.location.String(),
	}))
}

// cronLogger routes robfig/cron logging onto slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
