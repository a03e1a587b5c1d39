package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Opener starts ffmpeg decoders for video files on disk.
type Opener struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *zap.Logger
}

// NewOpener returns an Opener that finds ffmpeg and ffprobe on PATH when the paths are empty.
func NewOpener(ffmpegPath, ffprobePath string, logger *zap.Logger) *Opener {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, Logger: logger.Named("video")}
}

// Open validates path and starts an ffmpeg process that streams its frames as
// MJPEG. The process is bound to ctx. Callers must Close the source.
func (o *Opener) Open(ctx context.Context, path string) (*FFmpegSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open video: %s is a directory", path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("open video: %s is empty", path)
	}

	total, err := CountFrames(ctx, o.FFprobePath, path)
	if err != nil {
		// the count only feeds progress reporting
		o.Logger.Debug("frame count unavailable", zap.String("path", path), zap.Error(err))
		total = 0
	}

	cmd := newFFmpegCmd(ctx, o.FFmpegPath, path)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &FFmpegSource{
		cmd:    cmd,
		stdout: stdout,
		stream: NewStream(stdout),
		stderr: stderr,
		total:  total,
	}, nil
}

// newFFmpegCmd decodes every frame to MJPEG on stdout. -loglevel error keeps
// the stderr buffer small on long videos.
func newFFmpegCmd(ctx context.Context, ffmpegPath, inputPath string) *exec.Cmd {
	return exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", inputPath,
		"-an", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2",
		"-")
}

// FFmpegSource reads frames from a running ffmpeg process.
type FFmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stream *Stream
	stderr *bytes.Buffer
	total  int

	waitOnce sync.Once
	waitErr  error
}

// TotalFrames is the frame count reported by ffprobe, 0 when ffprobe could not tell.
func (s *FFmpegSource) TotalFrames() int {
	return s.total
}

// Next returns the next frame. At the end of the stream ffmpeg's exit status
// decides between io.EOF and a decode error.
func (s *FFmpegSource) Next() (image.Image, error) {
	img, err := s.stream.Next()
	if err == nil {
		return img, nil
	}
	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			return nil, werr
		}
		return nil, io.EOF
	}
	// drain the process so its stderr explains the failure
	_ = s.kill()
	if werr := s.wait(); werr != nil {
		return nil, fmt.Errorf("%w (%v)", err, werr)
	}
	return nil, err
}

// Close stops ffmpeg if it is still running and reaps it.
func (s *FFmpegSource) Close() error {
	_ = s.stdout.Close()
	_ = s.kill()
	_ = s.wait()
	return nil
}

func (s *FFmpegSource) kill() error {
	if s.cmd.Process == nil || s.cmd.ProcessState != nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

func (s *FFmpegSource) wait() error {
	s.waitOnce.Do(func() {
		if err := s.cmd.Wait(); err != nil {
			msg := strings.TrimSpace(s.stderr.String())
			if msg != "" {
				s.waitErr = fmt.Errorf("ffmpeg: %w: %s", err, msg)
			} else {
				s.waitErr = fmt.Errorf("ffmpeg: %w", err)
			}
		}
	})
	return s.waitErr
}
