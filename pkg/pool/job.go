package pool

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"flatfield/internal/models"
	"flatfield/pkg/classifier"
	"flatfield/pkg/denoise"
	"flatfield/pkg/descriptor"
	"flatfield/pkg/imageio"
)

// Job processes one candidate tile: decode, describe, classify and, for
// flat tiles, denoise. All collaborators are shared read-only between jobs.
type Job struct {
	Decoder    imageio.Decoder
	Classifier classifier.Classifier
	Denoiser   denoise.Denoiser
	Logger     zerolog.Logger
}

// Run executes the job for path. It never returns an error: decode and
// descriptor failures are reported as a Failed outcome so that one bad file
// cannot abort a run.
func (j *Job) Run(path string) models.JobResult {
	start := time.Now()
	res := models.JobResult{Path: path, Outcome: models.Rejected}

	img, err := j.Decoder.Decode(path)
	if err != nil {
		res.Outcome, res.Err = models.Failed, err
		j.Logger.Debug().Err(err).Str("path", path).Msg("decode failed")
	} else if d, err := descriptor.Compute(img); err != nil {
		res.Outcome, res.Err = models.Failed, fmt.Errorf("%s: %w", path, err)
	} else if j.Classifier.Predict(d.Features()) {
		res.Outcome = models.Accepted
		res.Image = j.Denoiser.Denoise(img)
	}

	res.Elapsed = time.Since(start)
	return res
}
