package flatfield

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"flatfield/internal/logging"
	"flatfield/pkg/classifier"
	"flatfield/pkg/config"
	"flatfield/pkg/denoise"
	"flatfield/pkg/imageio"
	"flatfield/pkg/pool"
	"flatfield/pkg/progress"
	"flatfield/pkg/source"
)

// Options carries the collaborators shared by all channels of a run
type Options struct {
	Config     *config.Config
	Classifier classifier.Classifier
	Sink       progress.Sink
	Logger     zerolog.Logger
}

// ChannelOutput describes the flat image produced for one channel folder
type ChannelOutput struct {
	Dir     string
	Result  *Result
	Written []string
}

// CreateFlat builds and saves the flat image for a single channel folder.
// The image is written beside the folder as <folder>_flat.<ext> unless the
// output format is "none".
func CreateFlat(ctx context.Context, sourceDir string, opts Options) (*ChannelOutput, error) {
	cfg := opts.Config
	label := filepath.Base(filepath.Clean(sourceDir))
	logger := opts.Logger.With().Str("channel", label).Logger()

	src := source.New(sourceDir, cfg.Sampling.Extensions, logging.Component(logger, "source"))

	job := &pool.Job{
		Decoder:    imageio.NewFileDecoder(cfg.Raw.Width, cfg.Raw.Height),
		Classifier: opts.Classifier,
		Denoiser:   denoise.NewBilateral(cfg.Denoise.SigmaSpatial, cfg.Denoise.SigmaColor, 1),
		Logger:     logging.Component(logger, "job"),
	}
	target := cfg.TargetConcurrency(cfg.Raw.Width * cfg.Raw.Height)
	workers := pool.New(job.Run, target, logging.Component(logger, "pool"))

	params := DefaultParams()
	params.Label = label
	params.TargetConcurrency = target
	params.PhysicalCores = cfg.Hardware.PhysicalCores
	params.MaxImages = cfg.Sampling.MaxImages
	params.Patience = cfg.Sampling.Patience
	params.SkipCount = cfg.Sampling.SkipCount

	// The averaged image is denoised once by the controller alone, so it may
	// use every core.
	final := denoise.NewBilateral(cfg.Denoise.SigmaSpatial, cfg.Denoise.SigmaColor, cfg.Hardware.LogicalCores)

	// The controller tags its own events with the channel
	ctrl := NewController(params, src, workers, final, opts.Sink, logging.Component(opts.Logger, "controller"))
	res, err := ctrl.Run(ctx)
	if err != nil {
		return nil, err
	}

	out := &ChannelOutput{Dir: sourceDir, Result: res}
	out.Written, err = imageio.SaveFlat(res.Flat, sourceDir, cfg.Output.Format, cfg.Output.Preview)
	if err != nil {
		return out, fmt.Errorf("%s: saving flat image: %w", label, err)
	}
	for _, path := range out.Written {
		logger.Info().Str("file", path).Msg("wrote flat image")
	}
	return out, nil
}

// ChannelDirs returns the configured channel subfolders of root that exist,
// in configuration order. When none exist, root itself is the only channel.
func ChannelDirs(root string, channels []string) []string {
	var dirs []string
	for _, name := range channels {
		dir := filepath.Join(root, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			dirs = append(dirs, dir)
		}
	}
	if len(dirs) == 0 {
		return []string{root}
	}
	return dirs
}

// CreateFlats processes every channel of an acquisition in turn. A channel
// without flat tiles does not stop the others; all failures are returned
// joined.
func CreateFlats(ctx context.Context, root string, opts Options) ([]*ChannelOutput, error) {
	var outputs []*ChannelOutput
	var errs []error
	for _, dir := range ChannelDirs(root, opts.Config.Sampling.Channels) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		out, err := CreateFlat(ctx, dir, opts)
		if err != nil {
			opts.Logger.Error().Err(err).Str("dir", dir).Msg("channel failed")
			errs = append(errs, err)
		}
		if out != nil {
			outputs = append(outputs, out)
		}
	}
	return outputs, errors.Join(errs...)
}
