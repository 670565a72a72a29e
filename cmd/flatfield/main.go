package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flatfield/internal/logging"
	"flatfield/pkg/classifier"
	"flatfield/pkg/config"
	"flatfield/pkg/dataset"
	"flatfield/pkg/flatfield"
	"flatfield/pkg/imageio"
	"flatfield/pkg/progress"
	"flatfield/pkg/source"
)

const usage = `Usage: flatfield <command> [flags]

Commands:
  run          build flat-field images for every channel of an acquisition
  stats        export per-tile descriptors as CSV
  init-config  write a default configuration file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(ctx, os.Args[2:])
	case "stats":
		err = statsCommand(ctx, os.Args[2:])
	case "init-config":
		err = initConfigCommand(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "flatfield: %v\n", err)
		os.Exit(1)
	}
}

// common holds the flags shared by run and stats
type common struct {
	configPath string
	inputDir   string
	level      string
	json       bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to the YAML configuration file")
	fs.StringVar(&c.inputDir, "input", "", "Acquisition folder containing the channel subfolders")
	fs.StringVar(&c.level, "log-level", "", "Override logging.level (debug, info, warn, error)")
	fs.BoolVar(&c.json, "log-json", false, "Write JSON logs instead of console output")
}

// load reads the configuration, applies flag overrides and builds the logger
func (c *common) load(fs *flag.FlagSet, logOut io.Writer) (*config.Config, zerolog.Logger, error) {
	if c.inputDir == "" {
		fs.Usage()
		return nil, zerolog.Nop(), errors.New("-input is required")
	}
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if c.level != "" {
		cfg.Logging.Level = c.level
	}
	if c.json {
		cfg.Logging.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.New(logOut, cfg.Logging.Level, cfg.Logging.JSON)
	return cfg, logger, nil
}

func runCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var opts common
	opts.register(fs)
	maxImages := fs.Int("max-images", 0, "Override sampling.maxImages")
	format := fs.String("format", "", "Override output.format (tif, raw, none)")
	modelPath := fs.String("model", "", "Override classifier.modelPath")
	statusAddr := fs.String("status", "", "Override status.addr, e.g. :8080")
	noBar := fs.Bool("no-progress", false, "Disable the console progress bar")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := opts.load(fs, os.Stderr)
	if err != nil {
		return err
	}
	if *maxImages > 0 {
		cfg.Sampling.MaxImages = *maxImages
	}
	if *format != "" {
		cfg.Output.Format = *format
	}
	if *modelPath != "" {
		cfg.Classifier.ModelPath = *modelPath
	}
	if *statusAddr != "" {
		cfg.Status.Addr = *statusAddr
	}

	runID := uuid.New().String()
	logger = logger.With().Str("run", runID).Logger()

	fmt.Println("================================")
	fmt.Println("FLAT-FIELD ESTIMATION FROM LIGHT-SHEET TILES")
	fmt.Println("================================")

	model, err := classifier.Load(cfg.Classifier.ModelPath, cfg.Classifier.MaxCV)
	if err != nil {
		return err
	}
	if cfg.Classifier.ModelPath == "" {
		logger.Info().Float64("maxCV", cfg.Classifier.MaxCV).Msg("no model configured, classifying by coefficient of variation")
	}

	sinks := progress.Multi{progress.Log{Logger: logging.Component(logger, "progress")}}
	if !*noBar {
		sinks = append(sinks, progress.NewBar(os.Stdout))
	}
	if cfg.Status.Addr != "" {
		board := progress.NewBoard(runID)
		sinks = append(sinks, board)
		go func() {
			if err := board.Serve(ctx, cfg.Status.Addr, logging.Component(logger, "status")); err != nil {
				logger.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	logger.Info().
		Str("input", opts.inputDir).
		Int("physicalCores", cfg.Hardware.PhysicalCores).
		Int("logicalCores", cfg.Hardware.LogicalCores).
		Msg("starting flat-field estimation")

	start := time.Now()
	outputs, err := flatfield.CreateFlats(ctx, opts.inputDir, flatfield.Options{
		Config:     cfg,
		Classifier: model,
		Sink:       sinks,
		Logger:     logger,
	})

	fmt.Printf("\nProcessed %d channel(s) in %.2f seconds\n", len(outputs), time.Since(start).Seconds())
	for _, out := range outputs {
		fmt.Printf("- %s: %d flat tiles averaged, %d rejected, %d failed\n",
			out.Dir, out.Result.FlatCount, out.Result.Rejected, out.Result.Failed)
		for _, path := range out.Written {
			fmt.Printf("  saved %s\n", path)
		}
	}
	return err
}

func statsCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	var opts common
	opts.register(fs)
	outPath := fs.String("output", "", "CSV file to write (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := opts.load(fs, os.Stderr)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if *outPath != "" {
		file, err := os.Create(*outPath)
		if err != nil {
			return fmt.Errorf("creating %s: %w", *outPath, err)
		}
		defer file.Close()
		w = file
	}

	exp := &dataset.Exporter{
		Decoder: imageio.NewFileDecoder(cfg.Raw.Width, cfg.Raw.Height),
		Workers: cfg.TargetConcurrency(cfg.Raw.Width * cfg.Raw.Height),
		Logger:  logging.Component(logger, "dataset"),
	}
	paths := source.New(opts.inputDir, cfg.Sampling.Extensions, logging.Component(logger, "source"))
	_, err = exp.Export(ctx, paths, w)
	return err
}

func initConfigCommand(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	path := fs.String("output", "flatfield.yaml", "Where to write the configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.CreateDefaultConfigFile(*path); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", *path)
	return nil
}
