package fingerprint

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/corona10/goimagehash"
)

// VideoHasher samples frames with ffmpeg and dHashes each
type VideoHasher struct {
	command string
	frames  int
	timeout time.Duration
}

// NewVideoHasher configures frame sampling
func NewVideoHasher(command string, frames int, timeout time.Duration) *VideoHasher {
	if frames <= 0 {
		frames = 8
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &VideoHasher{command: command, frames: frames, timeout: timeout}
}

// Frames writes data to a temp dir, extracts up to the configured number of
// frames and returns their difference hashes in order
func (v *VideoHasher) Frames(ctx context.Context, data []byte) ([]uint64, error) {
	tempDir, err := os.MkdirTemp("", "leakwatch-video-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	input := filepath.Join(tempDir, "input")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("write video: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, v.command,
		"-hide_banner", "-loglevel", "error",
		"-i", input,
		"-vf", "thumbnail=50,scale=128:-1",
		"-vsync", "vfr",
		"-frames:v", strconv.Itoa(v.frames),
		filepath.Join(tempDir, "frame_%03d.png"),
	)
	cmd.Dir = tempDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", v.command, err, string(output))
	}

	paths, err := filepath.Glob(filepath.Join(tempDir, "frame_*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s produced no frames", v.command)
	}

	hashes := make([]uint64, 0, len(paths))
	for _, p := range paths {
		h, err := hashFrame(p)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

func hashFrame(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return 0, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return 0, fmt.Errorf("hash frame %s: %w", filepath.Base(path), err)
	}
	return h.GetHash(), nil
}
