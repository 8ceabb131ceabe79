// Package rembg strips image backgrounds before geometry generation.
package rembg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// BackgroundRemover processes an input image into a background-free output.
// It returns the path of the processed image. The progress callback is
// fire-and-forget; implementations call it with coarse percentages.
type BackgroundRemover interface {
	Remove(ctx context.Context, in, out string, progress func(int)) (string, error)
}

// ExecRemover shells out to the rembg CLI (`rembg i <in> <out>`).
type ExecRemover struct {
	Bin string
}

// Remove runs the CLI and verifies it produced the output file.
func (r *ExecRemover) Remove(ctx context.Context, in, out string, progress func(int)) (string, error) {
	if progress != nil {
		progress(10)
	}

	cmd := exec.CommandContext(ctx, r.Bin, "i", in, out)
	if combined, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("rembg: %w: %s", err, combined)
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("rembg produced no output: %w", err)
	}

	if progress != nil {
		progress(100)
	}
	return out, nil
}

// Noop copies nothing and reports the input as already processed. Used when
// no remover is installed; generation then runs against the original image.
type Noop struct{}

func (Noop) Remove(_ context.Context, in, _ string, progress func(int)) (string, error) {
	if progress != nil {
		progress(100)
	}
	return in, nil
}
