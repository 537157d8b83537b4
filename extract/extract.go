// Package extract unpacks downloaded tarballs into a staging directory,
// one subdirectory per resolved package, ready for the linker to place
// into node_modules. Tarball entries are written out as-is, preserving
// the "package/" root every npm tarball wraps its contents in, so a
// staged package's files live at staging_dir/package/...
package extract

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/craftpm/craft/metrics"
	"github.com/craftpm/craft/progress"
	"github.com/craftpm/craft/registry"
	"golang.org/x/sync/errgroup"
)

const defaultMaxConcurrency = 10

// Extractor unpacks tarballs concurrently into a staging tree, bounded
// the same way the downloader bounds fetches: errgroup plus a
// concurrency limit, rather than the teacher's channel-based pool.
type Extractor struct {
	log         *slog.Logger
	stagingDir  string
	concurrency int
	progress    *progress.Sender
	metrics     metrics.Metrics
}

// New creates an Extractor that unpacks tarballs under stagingDir.
// sender may be nil to disable progress reporting; m may be the zero
// Metrics to disable counters.
func New(log *slog.Logger, stagingDir string, concurrency int, sender *progress.Sender, m metrics.Metrics) *Extractor {
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrency
	}
	return &Extractor{log: log, stagingDir: stagingDir, concurrency: concurrency, progress: sender, metrics: m}
}

// ExtractAll unpacks every tarball in paths (keyed by package identity)
// into its own staging subdirectory, returning the staged path for each
// key. A single failure aborts the whole batch.
func (e *Extractor) ExtractAll(ctx context.Context, paths map[registry.Key]string) (map[registry.Key]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	out := make(map[registry.Key]string, len(paths))
	var mu sync.Mutex
	var done atomic.Int64
	total := len(paths)

	for key, tarballPath := range paths {
		key, tarballPath := key, tarballPath
		g.Go(func() error {
			dest, err := e.extractOne(gctx, key, tarballPath)
			if err != nil {
				return err
			}
			mu.Lock()
			out[key] = dest
			mu.Unlock()

			e.metrics.IncrementExtracted(gctx, key.Name)
			if e.progress != nil {
				e.progress.Send(progress.Action{
					Phase:   progress.PhaseExtract,
					Package: key.String(),
					Done:    int(done.Add(1)),
					Total:   total,
				})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Extractor) extractOne(ctx context.Context, key registry.Key, tarballPath string) (string, error) {
	dest := filepath.Join(e.stagingDir, key.EscapedPath())

	if _, err := os.Stat(filepath.Join(dest, "package", "package.json")); err == nil {
		e.log.Debug("already extracted", slog.String("package", key.String()))
		return dest, nil
	}

	e.log.Debug("extracting tarball", slog.String("package", key.String()), slog.String("path", tarballPath))

	f, err := os.Open(tarballPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("opening gzip stream for %s: %w", key, err)
	}
	defer gz.Close()

	tmpDest := dest + ".extracting"
	if err := os.RemoveAll(tmpDest); err != nil {
		return "", err
	}
	if err := os.MkdirAll(tmpDest, 0o755); err != nil {
		return "", err
	}

	tr := tar.NewReader(gz)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading tar entry for %s: %w", key, err)
		}

		rel := strings.TrimPrefix(hdr.Name, "./")
		if rel == "" || rel == "package" {
			continue
		}
		target := filepath.Join(tmpDest, rel)
		if !strings.HasPrefix(target, filepath.Clean(tmpDest)+string(os.PathSeparator)) {
			return "", fmt.Errorf("tarball entry %q escapes staging directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return "", err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return "", err
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", err
			}
			_ = os.Symlink(hdr.Linkname, target)
		}
	}

	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}
	if err := os.Rename(tmpDest, dest); err != nil {
		return "", err
	}
	return dest, nil
}
