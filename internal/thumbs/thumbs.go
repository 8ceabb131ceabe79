// Package thumbs renders preview thumbnails for generated models.
package thumbs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Renderer produces preview images for a glb model. Implementations return
// the paths of the rendered files.
type Renderer interface {
	Render(ctx context.Context, glbPath, outDir string) ([]string, error)
}

// ExecRenderer shells out to an external render tool. The tool is invoked as
// `<bin> <glb> <outdir>` and is expected to write numbered PNG files into
// the output directory.
type ExecRenderer struct {
	Bin string
}

// Render runs the configured tool and collects the PNGs it produced.
func (r *ExecRenderer) Render(ctx context.Context, glbPath, outDir string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create thumbnail dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.Bin, glbPath, outDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("render thumbnails: %w: %s", err, out)
	}

	paths, err := filepath.Glob(filepath.Join(outDir, "*.png"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("render tool produced no thumbnails in %s", outDir)
	}
	return paths, nil
}

// Noop renders nothing. Used in tests and in deployments without a render
// tool installed.
type Noop struct{}

func (Noop) Render(context.Context, string, string) ([]string, error) {
	return nil, nil
}
