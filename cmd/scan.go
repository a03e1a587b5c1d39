package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/template-detector/internal/events"
	"github.com/example/template-detector/internal/logging"
	"github.com/example/template-detector/internal/match"
	"github.com/example/template-detector/internal/scanner"
	"github.com/example/template-detector/internal/video"
)

// scanOptions holds the flags of the scan command.
type scanOptions struct {
	InputPath    string
	TemplatePath string
	Threshold    float64
	Matcher      string
	FFmpegPath   string
	FFprobePath  string
	Verbose      bool
	NoProgress   bool
}

var scanOpts scanOptions

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a local video for a template image",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd.Context(), cmd.OutOrStdout(), scanOpts)
	},
}

func init() {
	f := scanCmd.Flags()
	f.StringVarP(&scanOpts.InputPath, "input", "i", "", "video file to scan")
	f.StringVarP(&scanOpts.TemplatePath, "template", "t", "", "template image")
	f.Float64Var(&scanOpts.Threshold, "threshold", 0.8, "minimum match score in [0,1]")
	f.StringVar(&scanOpts.Matcher, "matcher", match.DefaultName, "matcher implementation")
	f.StringVar(&scanOpts.FFmpegPath, "ffmpeg", "ffmpeg", "ffmpeg binary")
	f.StringVar(&scanOpts.FFprobePath, "ffprobe", "ffprobe", "ffprobe binary")
	f.BoolVarP(&scanOpts.Verbose, "verbose", "v", false, "write structured logs to stderr")
	f.BoolVar(&scanOpts.NoProgress, "no-progress", false, "hide the progress bar")
	_ = scanCmd.MarkFlagRequired("input")
	_ = scanCmd.MarkFlagRequired("template")
	rootCmd.AddCommand(scanCmd)
}

// runScan prints the terminal event as JSON. Failed and cancelled scans also
// return an error so the process exits non-zero.
func runScan(ctx context.Context, out io.Writer, opts scanOptions) error {
	if err := scanner.ValidateThreshold(opts.Threshold); err != nil {
		return err
	}
	m, err := match.New(opts.Matcher)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if opts.Verbose {
		if logger, err = logging.NewLogger(""); err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck
	}
	jobID := uuid.NewString()
	opLogger := logging.WithOperation(logger, "cli.scan", jobID)

	outcome := scanFile(ctx, opts, m, logger)
	opLogger.Info("scan finished",
		zap.String("status", string(outcome.Status)),
		zap.Int("frames_examined", outcome.Examined),
		zap.Duration("elapsed", outcome.Elapsed))

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events.FromOutcome(jobID, outcome)); err != nil {
		return err
	}

	switch outcome.Status {
	case scanner.StatusError, scanner.StatusCancelled:
		return outcome.Err
	}
	return nil
}

func scanFile(ctx context.Context, opts scanOptions, m match.Matcher, logger *zap.Logger) scanner.Outcome {
	start := time.Now()

	data, err := os.ReadFile(opts.TemplatePath)
	if err != nil {
		return scanner.Failed(scanner.DecodeError("failed to read template", err), time.Since(start))
	}
	tmpl, _, err := video.DecodeImage(data)
	if err != nil {
		return scanner.Failed(scanner.DecodeError("failed to read template", err), time.Since(start))
	}

	src, err := video.NewOpener(opts.FFmpegPath, opts.FFprobePath, logger).Open(ctx, opts.InputPath)
	if err != nil {
		return scanner.Failed(scanner.DecodeError("failed to open video", err), time.Since(start))
	}
	defer src.Close()

	total := src.TotalFrames()
	if total <= 0 {
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Scanning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(!opts.NoProgress),
	)
	defer func() {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}()

	return scanner.Run(ctx, src, tmpl, opts.Threshold,
		scanner.WithMatcher(m),
		scanner.WithProgress(1, func(p scanner.Progress) {
			_ = bar.Set(p.Frame)
		}),
	)
}
