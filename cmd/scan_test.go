package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/example/template-detector/internal/scanner"
)

func TestRunScanRejectsThreshold(t *testing.T) {
	var out bytes.Buffer
	err := runScan(context.Background(), &out, scanOptions{Threshold: 2, Matcher: "ncc"})
	if !errors.Is(err, scanner.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output, got %s", out.String())
	}
}

func TestRunScanUnknownMatcher(t *testing.T) {
	if err := runScan(context.Background(), &bytes.Buffer{}, scanOptions{Threshold: 0.5, Matcher: "nope"}); err == nil {
		t.Fatal("expected an error for an unknown matcher")
	}
}

func TestRunScanMissingTemplatePrintsError(t *testing.T) {
	var out bytes.Buffer
	err := runScan(context.Background(), &out, scanOptions{
		InputPath:    "missing.mp4",
		TemplatePath: filepath.Join(t.TempDir(), "missing.png"),
		Threshold:    0.8,
		Matcher:      "ncc",
		NoProgress:   true,
	})
	if !errors.Is(err, scanner.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}

	var evt struct {
		Event string `json:"event"`
		Data  struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(out.Bytes(), &evt); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if evt.Event != "processing_error" || evt.Data.Message == "" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestRunScanFindsTemplate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg test in short mode")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	dir := t.TempDir()
	videoPath := filepath.Join(dir, "solid.mp4")
	gen := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "lavfi", "-i", "color=c=gray:s=64x48:d=0.4:r=10",
		"-pix_fmt", "yuv420p", videoPath)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot generate test video: %v %s", err, out)
	}

	// a flat template against a flat frame only needs a threshold of 0
	templatePath := filepath.Join(dir, "tmpl.png")
	f, err := os.Create(templatePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	f.Close()

	var out bytes.Buffer
	if err := runScan(context.Background(), &out, scanOptions{
		InputPath:    videoPath,
		TemplatePath: templatePath,
		Threshold:    0,
		Matcher:      "ncc",
		FFmpegPath:   "ffmpeg",
		FFprobePath:  "ffprobe",
		NoProgress:   true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var evt struct {
		Event string `json:"event"`
		Data  struct {
			Frame int `json:"frame"`
		} `json:"data"`
	}
	if err := json.Unmarshal(out.Bytes(), &evt); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if evt.Event != "template_found" || evt.Data.Frame != 0 {
		t.Fatalf("expected template_found at frame 0, got %+v", evt)
	}
}
