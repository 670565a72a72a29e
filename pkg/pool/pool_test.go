package pool

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"flatfield/internal/models"
	"flatfield/pkg/denoise"
)

// fakeDecoder serves constant frames keyed by path
type fakeDecoder map[string]float64

func (f fakeDecoder) Decode(path string) (*mat.Dense, error) {
	v, ok := f[path]
	if !ok {
		return nil, errors.New("corrupt file")
	}
	if v < 0 {
		panic("decoder blew up")
	}
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, v+float64(i))
		}
	}
	return m, nil
}

// meanAbove classifies frames with a mean above the limit as flat
type meanAbove float64

func (m meanAbove) Predict(features []float64) bool {
	return features[0] > float64(m)
}

func newJob(dec fakeDecoder) *Job {
	return &Job{
		Decoder:    dec,
		Classifier: meanAbove(10),
		Denoiser:   denoise.Identity{},
		Logger:     zerolog.Nop(),
	}
}

func TestJobOutcomes(t *testing.T) {
	job := newJob(fakeDecoder{"flat.tif": 20, "dark.tif": 1})

	res := job.Run("flat.tif")
	assert.Equal(t, models.Accepted, res.Outcome)
	require.NotNil(t, res.Image)
	assert.Equal(t, 23.0, res.Image.At(3, 0))
	assert.True(t, res.HasImage())
	assert.Positive(t, res.Elapsed)

	res = job.Run("dark.tif")
	assert.Equal(t, models.Rejected, res.Outcome)
	assert.Nil(t, res.Image)
	assert.NoError(t, res.Err)
	assert.False(t, res.HasImage())

	res = job.Run("missing.tif")
	assert.Equal(t, models.Failed, res.Outcome)
	assert.Error(t, res.Err)
	assert.Nil(t, res.Image)
}

func TestPoolCollectsEveryResult(t *testing.T) {
	dec := fakeDecoder{"a": 20, "b": 1, "c": 30, "boom": -1}
	p := New(newJob(dec).Run, 4, zerolog.Nop())

	for _, path := range []string{"a", "b", "c", "boom"} {
		p.Submit(path)
	}
	assert.LessOrEqual(t, p.Pending(), 4)

	var got []models.JobResult
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for len(got) < 4 {
		res, err := p.Wait(ctx)
		require.NoError(t, err)
		got = append(got, res)
	}
	assert.Equal(t, 0, p.Pending())
	assert.Empty(t, p.TryDrain())

	sort.Slice(got, func(i, j int) bool { return got[i].Path < got[j].Path })
	assert.Equal(t, models.Accepted, got[0].Outcome) // a
	assert.Equal(t, models.Rejected, got[1].Outcome) // b
	assert.Equal(t, models.Failed, got[2].Outcome)   // boom
	assert.Contains(t, got[2].Err.Error(), "panicked")
	assert.Equal(t, models.Accepted, got[3].Outcome) // c
}

func TestTryDrainDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	p := New(func(path string) models.JobResult {
		<-release
		return models.JobResult{Path: path, Outcome: models.Rejected}
	}, 2, zerolog.Nop())

	p.Submit("slow")
	done := make(chan []models.JobResult)
	go func() { done <- p.TryDrain() }()
	select {
	case res := <-done:
		assert.Empty(t, res)
	case <-time.After(2 * time.Second):
		t.Fatal("TryDrain blocked")
	}
	assert.Equal(t, 1, p.Pending())

	close(release)
	require.Eventually(t, func() bool {
		return len(p.TryDrain()) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, p.Pending())
}

func TestWaitHonoursContext(t *testing.T) {
	p := New(func(string) models.JobResult { select {} }, 1, zerolog.Nop())
	p.Submit("never")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSharedCollaboratorsAreReadOnly(t *testing.T) {
	dec := fakeDecoder{}
	for i := 0; i < 64; i++ {
		dec[string(rune('A'+i))] = float64(i)
	}
	job := newJob(dec)
	p := New(job.Run, len(dec), zerolog.Nop())

	for path := range dec {
		p.Submit(path)
	}

	accepted := 0
	for i := 0; i < len(dec); i++ {
		res, err := p.Wait(context.Background())
		require.NoError(t, err)
		if res.HasImage() {
			accepted++
		}
	}
	// Means are v+1.5; v+1.5 > 10 for v >= 9
	assert.Equal(t, 64-9, accepted)
}
