// Package extraction decodes uploaded videos into frame records and
// object-store artifacts, committing progress in fixed-size batches.
package extraction

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/framelens/asset-training-backend/logger"
)

// Decoder turns a video file into an ordered sequence of still images
type Decoder interface {
	ProbeDuration(ctx context.Context, videoPath string) (float64, error)
	Decode(ctx context.Context, videoPath string, fps int, outDir string) ([]string, error)
}

// FFmpegDecoder shells out to ffmpeg/ffprobe
type FFmpegDecoder struct {
	ffmpegPath  string
	ffprobePath string
	log         *logger.Logger
}

// NewFFmpegDecoder locates ffmpeg in PATH; ffprobe is optional and the
// duration probe falls back to parsing ffmpeg output without it
func NewFFmpegDecoder(log *logger.Logger) (*FFmpegDecoder, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	ffprobePath, _ := exec.LookPath("ffprobe")

	return &FFmpegDecoder{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		log:         log.With("service", "FFmpegDecoder"),
	}, nil
}

// ProbeDuration returns the video duration in seconds
func (d *FFmpegDecoder) ProbeDuration(ctx context.Context, videoPath string) (float64, error) {
	if d.ffprobePath != "" {
		cmd := exec.CommandContext(ctx, d.ffprobePath,
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			videoPath)

		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err == nil {
			durationStr := strings.TrimSpace(stdout.String())
			if duration, err := strconv.ParseFloat(durationStr, 64); err == nil && duration > 0 {
				return duration, nil
			}
		}
	}

	// Fallback: parse the Duration line from ffmpeg's banner output
	cmd := exec.CommandContext(ctx, d.ffmpegPath, "-i", videoPath, "-f", "null", "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run()

	output := stderr.String()
	const durationPrefix = "Duration: "
	start := strings.Index(output, durationPrefix)
	if start == -1 {
		return 0, fmt.Errorf("could not determine duration of %s", videoPath)
	}
	timestamp := output[start+len(durationPrefix):]
	if idx := strings.Index(timestamp, ","); idx != -1 {
		timestamp = timestamp[:idx]
	}
	return parseDurationTimestamp(strings.TrimSpace(timestamp))
}

// Decode extracts still frames at the given fps into outDir and returns
// the ordered list of produced files
func (d *FFmpegDecoder) Decode(ctx context.Context, videoPath string, fps int, outDir string) ([]string, error) {
	pattern := filepath.Join(outDir, "frame_%06d.jpg")
	cmd := exec.CommandContext(ctx, d.ffmpegPath,
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%d", fps),
		"-q:v", "2",
		pattern)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg decode failed: %w (%s)", err, lastLine(stderr.String()))
	}

	files, err := filepath.Glob(filepath.Join(outDir, "frame_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("failed to list decoded frames: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frames for %s", videoPath)
	}
	sort.Strings(files)
	return files, nil
}

// parseDurationTimestamp parses ffmpeg's HH:MM:SS.ss format
func parseDurationTimestamp(ts string) (float64, error) {
	parts := strings.Split(ts, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("unexpected duration format %q", ts)
	}
	hours, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected duration format %q", ts)
	}
	minutes, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected duration format %q", ts)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected duration format %q", ts)
	}
	return hours*3600 + minutes*60 + seconds, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
