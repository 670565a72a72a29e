// Package flatfield builds a flat-field correction image for one channel of
// a light-sheet acquisition by sampling tiles, keeping the evenly illuminated
// ones and averaging them.
package flatfield

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"flatfield/internal/models"
	"flatfield/pkg/denoise"
	"flatfield/pkg/progress"
)

var (
	// ErrNoFlatImage means the whole source was scanned without accepting a tile
	ErrNoFlatImage = errors.New("no flat image found")

	// ErrDegenerateFlat means the averaged image has no positive maximum to
	// normalize by
	ErrDegenerateFlat = errors.New("flat image has no positive maximum")
)

// Source is the forward-only stream of candidate tiles
type Source interface {
	Next() (string, bool)
	Skip(n int) int
}

// Executor runs jobs concurrently. Results come back in any order.
type Executor interface {
	Submit(path string)
	TryDrain() []models.JobResult
	Wait(ctx context.Context) (models.JobResult, error)
}

// Params controls admission, throttling, skip-ahead and reporting
type Params struct {
	// Label names the channel in progress reports and logs
	Label string

	// TargetConcurrency is the number of jobs kept in flight
	TargetConcurrency int

	// PhysicalCores divides the throttle sleep
	PhysicalCores int

	// MaxImages stops admission once this many tiles were accepted
	MaxImages int

	// Patience is the non-flat streak tolerated before skipping ahead
	Patience int

	// SkipCount is the number of paths discarded per skip-ahead
	SkipCount int

	// ReportInterval is the minimum time between progress reports
	ReportInterval time.Duration

	// InitialElapsed seeds the throttle before any job has finished
	InitialElapsed time.Duration
}

// DefaultParams mirrors the defaults of the configuration file
func DefaultParams() Params {
	return Params{
		TargetConcurrency: 1,
		PhysicalCores:     1,
		MaxImages:         1024,
		Patience:          10,
		SkipCount:         100,
		ReportInterval:    2 * time.Second,
		InitialElapsed:    time.Second,
	}
}

// Result is the outcome of a successful run
type Result struct {
	// Flat is the denoised average normalized to a maximum of 1
	Flat *mat.Dense

	// FlatCount is the number of tiles averaged into Flat
	FlatCount int

	// Submitted, Rejected and Failed count jobs by outcome. Mismatched
	// counts accepted tiles dropped because their shape differed; they are
	// also counted as Failed.
	Submitted  int
	Rejected   int
	Failed     int
	Mismatched int

	// Skips is the number of skip-ahead triggers, Skipped the paths they discarded
	Skips   int
	Skipped int

	// LastElapsed is the duration of the last job drained while sampling
	LastElapsed time.Duration

	// Duration is the wall-clock time of the whole run
	Duration time.Duration
}

// Controller drives one flat-field run. All state is owned by the goroutine
// calling Run; workers only ever see paths and hand back results.
type Controller struct {
	params   Params
	src      Source
	exec     Executor
	denoiser denoise.Denoiser
	sink     progress.Sink
	logger   zerolog.Logger

	// sleep and now are replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	state      models.AccumulatorState
	pending    int
	exhausted  bool
	lastReport time.Time
	result     Result
}

// NewController creates a controller for a single run.
//
// Parameters:
//   - params: admission and skip-ahead settings
//   - src: the tile stream, consumed only by the controller
//   - exec: the worker pool jobs are submitted to
//   - denoiser: applied to the averaged image before normalization
//   - sink: progress notifications, may be nil
//   - logger: structured logger for run events
func NewController(params Params, src Source, exec Executor, denoiser denoise.Denoiser,
	sink progress.Sink, logger zerolog.Logger) *Controller {
	if params.TargetConcurrency < 1 {
		params.TargetConcurrency = 1
	}
	if params.PhysicalCores < 1 {
		params.PhysicalCores = 1
	}
	if params.MaxImages < 1 {
		params.MaxImages = 1
	}
	if params.InitialElapsed <= 0 {
		params.InitialElapsed = time.Second
	}
	if sink == nil {
		sink = progress.Multi{}
	}
	return &Controller{
		params:   params,
		src:      src,
		exec:     exec,
		denoiser: denoiser,
		sink:     sink,
		logger:   logger,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Run samples the source until enough flat tiles were accumulated or the
// source is exhausted, then returns the normalized flat image.
//
// Cancelling ctx stops admission of new tiles. Jobs already running are
// always awaited, and the run then fails with the context error.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	start := c.now()
	c.state = models.AccumulatorState{LastElapsed: c.params.InitialElapsed}
	c.pending, c.exhausted, c.lastReport, c.result = 0, false, time.Time{}, Result{}
	c.logger.Info().
		Str("channel", c.params.Label).
		Int("concurrency", c.params.TargetConcurrency).
		Int("maxImages", c.params.MaxImages).
		Msg("sampling tiles")

	// Phase A: fill the pool, wait, drain, adapt
	for c.state.FlatCount < c.params.MaxImages {
		if ctx.Err() != nil {
			break
		}
		c.admit()
		if c.exhausted && c.pending == 0 {
			break
		}
		if err := c.sleep(ctx, c.throttle()); err != nil {
			break
		}
		for _, res := range c.exec.TryDrain() {
			c.fold(res, true)
		}
		c.maybeReport()
	}

	// Phase B: in-flight jobs always run to completion
	if err := c.drainPending(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", c.params.Label, err)
	}

	// Phase C
	flat, err := c.finalize()
	if err != nil {
		return nil, err
	}
	c.result.Flat = flat
	c.result.FlatCount = c.state.FlatCount
	c.result.LastElapsed = c.state.LastElapsed
	c.result.Duration = c.now().Sub(start)
	c.report(100)

	c.logger.Info().
		Str("channel", c.params.Label).
		Int("flat", c.result.FlatCount).
		Int("submitted", c.result.Submitted).
		Int("rejected", c.result.Rejected).
		Int("failed", c.result.Failed).
		Int("skipped", c.result.Skipped).
		Dur("duration", c.result.Duration).
		Msg("flat image ready")

	res := c.result
	return &res, nil
}

// State returns a copy of the accumulator state
func (c *Controller) State() models.AccumulatorState {
	return c.state
}

// admit tops the pool up to the target concurrency
func (c *Controller) admit() {
	for !c.exhausted && c.pending < c.params.TargetConcurrency {
		path, ok := c.src.Next()
		if !ok {
			c.exhausted = true
			c.logger.Debug().Str("channel", c.params.Label).Msg("source exhausted")
			break
		}
		c.exec.Submit(path)
		c.pending++
		c.result.Submitted++
	}
}

// throttle spreads the latest job duration over the physical cores. Slow
// tiles make the controller poll less often.
func (c *Controller) throttle() time.Duration {
	return c.state.LastElapsed / time.Duration(c.params.PhysicalCores)
}

// fold applies one result to the accumulator. Streak and skip-ahead logic
// only runs while sampling; once admission has stopped there is nothing to
// skip.
func (c *Controller) fold(res models.JobResult, sampling bool) {
	if c.pending > 0 {
		c.pending--
	}

	switch res.Outcome {
	case models.Rejected:
		c.result.Rejected++
	case models.Failed:
		c.result.Failed++
	}

	accepted := res.HasImage() && c.accumulate(res)
	if accepted {
		c.state.FlatCount++
		if c.state.NonFlatStreak > 0 {
			c.state.NonFlatStreak--
		}
	} else if sampling {
		c.state.NonFlatStreak++
		if c.state.NonFlatStreak > c.params.Patience {
			c.state.NonFlatStreak = 0
			skipped := c.src.Skip(c.params.SkipCount)
			c.result.Skips++
			c.result.Skipped += skipped
			c.logger.Debug().
				Str("channel", c.params.Label).
				Int("skipped", skipped).
				Msg("no flat tiles nearby, skipping ahead")
		}
	}

	if sampling {
		c.state.LastElapsed = res.Elapsed
	}
}

// accumulate adds an accepted image to the running sum, allocating it from
// the first image's shape. Images of a different shape are dropped.
func (c *Controller) accumulate(res models.JobResult) bool {
	rows, cols := res.Image.Dims()
	if c.state.Sum == nil {
		c.state.Sum = mat.NewDense(rows, cols, nil)
	}
	if r, cl := c.state.Sum.Dims(); r != rows || cl != cols {
		c.result.Mismatched++
		c.result.Failed++
		c.logger.Warn().
			Str("path", res.Path).
			Str("shape", fmt.Sprintf("%dx%d", rows, cols)).
			Str("expected", fmt.Sprintf("%dx%d", r, cl)).
			Msg("dropping tile of unexpected shape")
		return false
	}
	c.state.Sum.Add(c.state.Sum, res.Image)
	return true
}

// drainPending blocks until every submitted job has reported back
func (c *Controller) drainPending(ctx context.Context) error {
	for c.pending > 0 {
		res, err := c.exec.Wait(ctx)
		if err != nil {
			return fmt.Errorf("%s: waiting for running jobs: %w", c.params.Label, err)
		}
		c.fold(res, false)
	}
	return nil
}

// finalize averages the accumulated tiles, smooths the average and scales it
// so that its maximum is 1
func (c *Controller) finalize() (*mat.Dense, error) {
	if c.state.FlatCount == 0 {
		c.logger.Error().Str("channel", c.params.Label).Msg("no flat image found")
		return nil, fmt.Errorf("%s: %w", c.params.Label, ErrNoFlatImage)
	}

	rows, cols := c.state.Sum.Dims()
	average := mat.NewDense(rows, cols, nil)
	average.Scale(1/float64(c.state.FlatCount), c.state.Sum)

	flat := c.denoiser.Denoise(average)
	peak := mat.Max(flat)
	if !(peak > 0) || math.IsInf(peak, 0) {
		return nil, fmt.Errorf("%s: maximum %g: %w", c.params.Label, peak, ErrDegenerateFlat)
	}
	flat.Scale(1/peak, flat)
	return flat, nil
}

func (c *Controller) maybeReport() {
	now := c.now()
	if now.Sub(c.lastReport) <= c.params.ReportInterval {
		return
	}
	c.report(float64(c.state.FlatCount) / float64(c.params.MaxImages) * 100)
	c.lastReport = now
}

// report forwards to the sink. A misbehaving sink is logged and ignored.
func (c *Controller) report(percent float64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Debug().Interface("panic", r).Msg("progress sink failed")
		}
	}()
	suffix := fmt.Sprintf("found: %d, time: %.1fs/thread", c.state.FlatCount, c.state.LastElapsed.Seconds())
	c.sink.Report(progress.Clamp(percent), c.params.Label, suffix)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
