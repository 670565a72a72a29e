// Package dataset exports per-image descriptors as CSV so that tiles can be
// labelled and a flat classifier trained offline.
package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"flatfield/internal/models"
	"flatfield/pkg/descriptor"
	"flatfield/pkg/imageio"
)

// Paths is the forward-only stream of images to describe
type Paths interface {
	Next() (string, bool)
}

// Summary counts what an export did
type Summary struct {
	Rows   int
	Failed int
}

type row struct {
	index int
	path  string
	desc  models.Descriptor
	err   error
}

// Exporter computes descriptors with a fixed number of workers
type Exporter struct {
	Decoder imageio.Decoder
	Workers int
	Logger  zerolog.Logger
}

// Header returns the CSV header: the path followed by the descriptor columns
func Header() []string {
	return append([]string{"path"}, models.DescriptorHeader...)
}

// Export describes every image from paths and writes one CSV row per image
// that could be decoded, in the order paths yielded them. Images that fail
// are logged and counted but do not stop the export.
func (e *Exporter) Export(ctx context.Context, paths Paths, w io.Writer) (Summary, error) {
	workers := e.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan row)
	results := make(chan row, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				results <- e.describe(r)
			}
		}()
	}

	// Feed paths until the stream ends or ctx is cancelled
	go func() {
		defer close(jobs)
		for i := 0; ; i++ {
			path, ok := paths.Next()
			if !ok {
				return
			}
			select {
			case jobs <- row{index: i, path: path}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// Rows are buffered until every earlier index has been written
	out := csv.NewWriter(w)
	var summary Summary
	var writeErr error
	if err := out.Write(Header()); err != nil {
		writeErr = err
	}
	waiting := make(map[int]row)
	next := 0
	for r := range results {
		waiting[r.index] = r
		for {
			ready, ok := waiting[next]
			if !ok {
				break
			}
			delete(waiting, next)
			next++
			if ready.err != nil {
				summary.Failed++
				e.Logger.Warn().Err(ready.err).Str("path", ready.path).Msg("skipping image")
				continue
			}
			if writeErr == nil {
				writeErr = out.Write(record(ready))
			}
			summary.Rows++
		}
	}

	out.Flush()
	if writeErr == nil {
		writeErr = out.Error()
	}
	if writeErr != nil {
		return summary, fmt.Errorf("writing descriptors: %w", writeErr)
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	e.Logger.Info().Int("rows", summary.Rows).Int("failed", summary.Failed).Msg("descriptors exported")
	return summary, nil
}

func (e *Exporter) describe(r row) row {
	img, err := e.Decoder.Decode(r.path)
	if err != nil {
		r.err = err
		return r
	}
	r.desc, r.err = descriptor.Compute(img)
	return r
}

func record(r row) []string {
	rec := make([]string, 0, len(models.DescriptorHeader)+1)
	rec = append(rec, r.path)
	for _, v := range r.desc.Features() {
		rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return append(rec, strconv.Itoa(r.desc.N))
}
