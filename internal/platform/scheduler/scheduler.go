// Package scheduler arms daily jobs on a cron schedule in a fixed time zone.
// The next activation is recomputed after every fire, so a job scheduled
// for midnight stays at local midnight across DST changes.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is the unit of work a Daily runs.
type Job func(ctx context.Context) error

// jobTimeout bounds a single run.
const jobTimeout = 5 * time.Minute

type Daily struct {
	name   string
	cron   *cron.Cron
	entry  cron.EntryID
	job    Job
	logger zerolog.Logger
	base   context.Context
}

// NewDaily parses spec (standard five-field cron or a descriptor such as
// "@midnight") and prepares job to run in loc. Nothing runs until Run.
func NewDaily(name, spec string, loc *time.Location, logger zerolog.Logger, job Job) (*Daily, error) {
	if loc == nil {
		loc = time.Local
	}
	d := &Daily{
		name:   name,
		job:    job,
		logger: logger.With().Str("job", name).Logger(),
		base:   context.Background(),
	}

	cl := cronLogger{d.logger}
	d.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := d.cron.AddFunc(spec, func() { d.RunNow(d.base) })
	if err != nil {
		return nil, fmt.Errorf("schedule %s with %q: %w", name, spec, err)
	}
	d.entry = id
	return d, nil
}

// RunNow runs the job once in the caller's goroutine. Errors are logged,
// never returned: a failed run waits for the next activation.
func (d *Daily) RunNow(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	if err := d.job(ctx); err != nil {
		d.logger.Error().Err(err).Dur("took", time.Since(start)).Msg("scheduled job failed")
		return
	}
	d.logger.Debug().Dur("took", time.Since(start)).Msg("scheduled job finished")
}

// Run starts the schedule and blocks until ctx is done, then waits for an
// in-flight run to finish.
func (d *Daily) Run(ctx context.Context) error {
	d.base = ctx
	d.cron.Start()
	d.logger.Info().Time("next_run", d.Next()).Msg("scheduler started")

	<-ctx.Done()
	<-d.cron.Stop().Done()
	d.logger.Info().Msg("scheduler stopped")
	return nil
}

// Next returns the next activation, or the zero time before Run.
func (d *Daily) Next() time.Time {
	return d.cron.Entry(d.entry).Next
}

// NextMidnight returns the first local midnight in loc strictly after now.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, day := now.In(loc).Date()
	return time.Date(y, m, day+1, 0, 0, 0, 0, loc)
}

// cronLogger routes cron's key/value logging into zerolog.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
