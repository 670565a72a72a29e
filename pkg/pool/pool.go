// Package pool runs image jobs concurrently and hands back their results
// through a buffered channel. Submission never blocks and results arrive in
// completion order, not submission order.
package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"flatfield/internal/models"
)

// JobFunc processes one path and returns exactly one result
type JobFunc func(path string) models.JobResult

// Pool starts one goroutine per submitted path. Jobs share no mutable
// state; the only thing they touch is the result channel.
type Pool struct {
	run     JobFunc
	results chan models.JobResult
	pending atomic.Int64
	logger  zerolog.Logger
}

// New creates a pool whose result buffer holds capacity results. As long as
// no more than capacity jobs are pending, finished jobs never wait on the
// consumer.
func New(run JobFunc, capacity int, logger zerolog.Logger) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		run:     run,
		results: make(chan models.JobResult, capacity),
		logger:  logger,
	}
}

// Submit starts a job for path and returns immediately
func (p *Pool) Submit(path string) {
	p.pending.Add(1)
	go func() {
		p.results <- p.execute(path)
	}()
}

// execute runs the job, converting a panic into a Failed result
func (p *Pool) execute(path string) (res models.JobResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("path", path).Interface("panic", r).Msg("job crashed")
			res = models.JobResult{
				Path:    path,
				Outcome: models.Failed,
				Err:     fmt.Errorf("job for %s panicked: %v", path, r),
				Elapsed: time.Since(start),
			}
		}
	}()
	res = p.run(path)
	if res.Path == "" {
		res.Path = path
	}
	if res.Elapsed <= 0 {
		res.Elapsed = time.Since(start)
	}
	if res.Outcome == models.Failed && res.Err != nil {
		p.logger.Warn().Err(res.Err).Str("path", path).Msg("job failed")
	}
	return res
}

// TryDrain returns every result that is ready, without blocking
func (p *Pool) TryDrain() []models.JobResult {
	var out []models.JobResult
	for {
		select {
		case res := <-p.results:
			p.pending.Add(-1)
			out = append(out, res)
		default:
			return out
		}
	}
}

// Wait blocks until the next result is ready or ctx is done
func (p *Pool) Wait(ctx context.Context) (models.JobResult, error) {
	select {
	case res := <-p.results:
		p.pending.Add(-1)
		return res, nil
	case <-ctx.Done():
		return models.JobResult{}, ctx.Err()
	}
}

// Pending is the number of submitted jobs whose result was not yet drained
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}
