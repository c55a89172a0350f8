// Package patchset implements spec §4.7's Patchset Engine: applying an
// ordered list of patch commits on top of a base commit by successively
// union-mounting each patch's raw delta over the running result and folding
// the merged view into a new transient image, finally promoting only the
// last transient image as a single real commit.
package patchset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/stratumfs/stratum/internal/commitmgr"
	"github.com/stratumfs/stratum/internal/image"
	"github.com/stratumfs/stratum/internal/layout"
	"github.com/stratumfs/stratum/internal/stratumerr"
)

// Engine applies patchsets against the shared blob store and commit manager.
type Engine struct {
	layout  *layout.Layout
	builder image.Builder
	mounter image.Mounter
	commits *commitmgr.Manager
	logger  *slog.Logger
}

// New returns a patchset Engine. logger may be nil.
func New(l *layout.Layout, builder image.Builder, mounter image.Mounter, commits *commitmgr.Manager, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{layout: l, builder: builder, mounter: mounter, commits: commits, logger: logger}
}

// Apply folds patches onto base in order and registers exactly one new
// commit for the result, with parent = base (spec §4.7: "the final
// transient image is promoted ... parent = original base. Discard
// intermediate transient images."). patches must be non-empty.
func (e *Engine) Apply(ctx context.Context, base string, patches []string) (string, error) {
	if len(patches) == 0 {
		return "", stratumerr.New(stratumerr.InvalidRef, "patchset.Apply", "no patches given")
	}
	if !e.commits.Exists(base) {
		return "", stratumerr.New(stratumerr.NotFound, "patchset.Apply", "base "+base)
	}
	for _, p := range patches {
		if !e.commits.Exists(p) {
			return "", stratumerr.New(stratumerr.NotFound, "patchset.Apply", "patch "+p)
		}
	}

	scratchRoot, err := os.MkdirTemp("", "stratum-patchset-")
	if err != nil {
		return "", stratumerr.Wrap(stratumerr.IoError, "patchset.Apply", err)
	}
	defer os.RemoveAll(scratchRoot)

	currentImage := e.layout.CommitImagePath(base)
	var lastManifest image.Manifest
	var prevTransient string

	for i, patch := range patches {
		step := filepath.Join(scratchRoot, fmt.Sprintf("step-%d", i))
		upper := filepath.Join(step, "upper")
		work := filepath.Join(step, "work")
		patchMP := filepath.Join(step, "patch-mp")
		mergedMP := filepath.Join(step, "merged-mp")
		for _, dir := range []string{upper, work, patchMP, mergedMP} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", stratumerr.Wrap(stratumerr.IoError, "patchset.Apply", err)
			}
		}

		if err := e.mounter.MountImage(ctx, e.layout.CommitImagePath(patch), e.layout.ObjectsDir(), patchMP, "", ""); err != nil {
			return "", stratumerr.Wrap(stratumerr.ExternalToolFailure, "patchset.Apply", err)
		}
		copyErr := copyTree(patchMP, upper)
		e.mounter.Unmount(ctx, patchMP)
		if copyErr != nil {
			return "", stratumerr.Wrap(stratumerr.IoError, "patchset.Apply", copyErr)
		}

		if err := e.mounter.MountImage(ctx, currentImage, e.layout.ObjectsDir(), mergedMP, upper, work); err != nil {
			return "", stratumerr.Wrap(stratumerr.ExternalToolFailure, "patchset.Apply", err)
		}
		transientPath := filepath.Join(scratchRoot, fmt.Sprintf("transient-%d.cfs", i))
		manifest, err := e.builder.BuildImage(ctx, mergedMP, e.layout.ObjectsDir(), transientPath)
		unmountErr := e.mounter.Unmount(ctx, mergedMP)
		if err != nil {
			return "", stratumerr.Wrap(stratumerr.ExternalToolFailure, "patchset.Apply", err)
		}
		if unmountErr != nil {
			return "", stratumerr.Wrap(stratumerr.ExternalToolFailure, "patchset.Apply", unmountErr)
		}

		lastManifest = manifest
		currentImage = transientPath
		prevTransient = transientPath
		e.logger.Info("folded patch into running image", "patch", patch, "step", i)
	}

	if prevTransient == "" {
		return "", stratumerr.New(stratumerr.InvalidRef, "patchset.Apply", "no patches applied")
	}
	return e.commits.PromoteManifest(lastManifest, base, prevTransient)
}

// copyTree copies every regular file and directory under src into dst,
// preserving relative paths and names verbatim — including literal `.wh.`
// and `.wh..wh..opq` marker files, which carry no special meaning to
// copyTree itself and only affect the later union mount that reads dst back
// as an upperdir (spec §4.7: "whiteouts ... are preserved as literal files
// when copying a patch's raw delta").
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
