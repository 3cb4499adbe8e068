package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mrsinham/lungmask/internal/config"
	"github.com/mrsinham/lungmask/internal/inference"
	"github.com/mrsinham/lungmask/internal/loader"
	"github.com/mrsinham/lungmask/internal/logging"
	"github.com/mrsinham/lungmask/internal/pipeline"
)

// engineFactory builds the segmentation engine for a resolved configuration.
type engineFactory func(cfg *config.Config, stderr io.Writer, logger *slog.Logger) (inference.Engine, error)

type app struct {
	stdout    io.Writer
	stderr    io.Writer
	newEngine engineFactory
}

type rootFlags struct {
	configPath    string
	modelName     string
	modelPath     string
	cpu           bool
	noPostProcess bool
	batchSize     int
	noProgress    bool
	removeMeta    bool
	applyMask     bool
	preview       string
	engineCommand string
	workers       int
	logLevel      string
	logFormat     string
	logFile       string
	quiet         bool
}

func newRootCommand(a *app) *cobra.Command {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:   "lungmask [flags] <input> <output>",
		Short: "Segment the lungs in a CT scan",
		Long: `Segment the lungs in a CT scan and write the result.

The input is a directory of DICOM slices, a single DICOM file or a NIfTI
volume. By default the output is one labeled volume file (.nii, .nii.gz,
.nrrd or .dcm). With --applymask the output is an existing directory that
receives a copy of the input series with everything outside the lungs
set to zero.`,
		Version:       version,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, &flags)
			if err != nil {
				return err
			}
			return a.segment(cmd, cfg, flags.quiet, args[0], args[1])
		},
	}

	f := rootCmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "Configuration file (.yaml, .yml or .toml)")
	f.StringVar(&flags.modelName, "modelname", inference.ModelR231, fmt.Sprintf("Model to use, one of %v", inference.ModelNames))
	f.StringVar(&flags.modelPath, "modelpath", "", "Path to custom model weights")
	f.BoolVar(&flags.cpu, "cpu", false, "Force the engine to run on the CPU (batch size 1)")
	f.BoolVar(&flags.noPostProcess, "nopostprocess", false, "Disable connected-component post-processing")
	f.IntVar(&flags.batchSize, "batchsize", inference.DefaultBatchSize, "Number of slices processed at once")
	f.BoolVar(&flags.noProgress, "noprogress", false, "Disable progress bars")
	f.BoolVar(&flags.removeMeta, "removemetadata", false, "Do not keep patient and study metadata in the output")
	f.BoolVar(&flags.applyMask, "applymask", false, "Write a masked copy of the input DICOM series into the output directory")
	f.StringVar(&flags.preview, "preview", "", "Also write a PNG preview of the slice with the largest mask")
	f.StringVar(&flags.engineCommand, "engine-command", "", "Segmentation command, {input} and {output} are replaced by NIfTI file paths")
	f.IntVar(&flags.workers, "workers", 0, "Parallel DICOM parsers (0 = CPU cores)")
	f.StringVar(&flags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.StringVar(&flags.logFormat, "log-format", "text", "Log format: text or json")
	f.StringVar(&flags.logFile, "log-file", "", "Also append logs to this file")
	f.BoolVarP(&flags.quiet, "quiet", "q", false, "Only print errors")

	rootCmd.AddCommand(newTagsCommand(a))
	return rootCmd
}

// resolveConfig loads the configuration file, if any, and applies the flags
// that were set explicitly on top of it.
func resolveConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	set := cmd.Flags().Changed
	if set("modelname") {
		cfg.Inference.ModelName = flags.modelName
	}
	if set("modelpath") {
		cfg.Inference.ModelPath = flags.modelPath
	}
	if set("cpu") {
		cfg.Inference.CPU = flags.cpu
	}
	if set("nopostprocess") {
		cfg.Inference.PostProcess = !flags.noPostProcess
	}
	if set("batchsize") {
		cfg.Inference.BatchSize = flags.batchSize
	}
	if set("noprogress") {
		cfg.Inference.NoProgress = flags.noProgress
	}
	if set("removemetadata") {
		cfg.Output.RemoveMetadata = flags.removeMeta
	}
	if set("applymask") {
		cfg.Output.ApplyMask = flags.applyMask
	}
	if set("preview") {
		cfg.Output.Preview = flags.preview
	}
	if set("engine-command") {
		cfg.Engine.Command = flags.engineCommand
	}
	if set("workers") {
		cfg.Loader.Workers = flags.workers
	}
	if set("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if set("log-format") {
		cfg.Logging.Format = flags.logFormat
	}
	if set("log-file") {
		cfg.Logging.File = flags.logFile
	}
	return &cfg, nil
}

func (a *app) segment(cmd *cobra.Command, cfg *config.Config, quiet bool, input, output string) error {
	level := cfg.Logging.Level
	if quiet {
		level = "error"
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: a.stderr,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	newEngine := a.newEngine
	if newEngine == nil {
		newEngine = execEngine
	}
	engine, err := newEngine(cfg, a.stderr, logger)
	if err != nil {
		return err
	}

	showProgress := !quiet && !cfg.Inference.NoProgress
	mode := pipeline.ModeSingleVolume
	if cfg.Output.ApplyMask {
		mode = pipeline.ModeSeries
	}

	opts := pipeline.Options{
		Input:        input,
		Output:       output,
		Mode:         mode,
		KeepMetadata: !cfg.Output.RemoveMetadata,
		Inference:    cfg.Inference,
		Policy:       &policy,
		PreviewPath:  cfg.Output.Preview,
		Quiet:        quiet,
	}
	deps := pipeline.Deps{
		Loader: &loader.Loader{
			ReadMetadata:     !cfg.Output.RemoveMetadata,
			Workers:          cfg.Loader.Workers,
			ProgressCallback: newProgress(a.stderr, "reading slices", showProgress),
			Logger:           logger,
		},
		Engine:           engine,
		Logger:           logger,
		Stdout:           a.stdout,
		ProgressCallback: newProgress(a.stderr, "writing slices", showProgress),
	}

	result, err := pipeline.Run(cmd.Context(), opts, deps)
	if err != nil {
		return err
	}

	if !quiet {
		switch result.Outcome.Mode {
		case pipeline.ModeSeries:
			fmt.Fprintf(a.stdout, "Wrote %d files to %s (series %s)\n", len(result.Outcome.Files), output, result.Outcome.SeriesUID)
		default:
			fmt.Fprintf(a.stdout, "Wrote %s\n", output)
		}
		if result.PreviewPath != "" {
			fmt.Fprintf(a.stdout, "Preview of slice %d: %s\n", result.PreviewSlice+1, result.PreviewPath)
		}
	}
	return nil
}

func execEngine(cfg *config.Config, stderr io.Writer, logger *slog.Logger) (inference.Engine, error) {
	args := inference.SplitCommand(cfg.Engine.Command)
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: use --engine-command or engine.command in the configuration file", inference.ErrNoCommand)
	}
	tempDir := cfg.Engine.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &inference.ExecEngine{
		Args:    args,
		Config:  cfg.Inference,
		TempDir: tempDir,
		Stderr:  stderr,
		Logger:  logger,
	}, nil
}
