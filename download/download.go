// Package download fetches tarballs for a resolved package set onto
// disk, verifying each one against its registry-supplied checksum
// before it is handed to the extractor.
package download

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/craftpm/craft/metrics"
	"github.com/craftpm/craft/progress"
	"github.com/craftpm/craft/registry"
	"github.com/craftpm/craft/resolve"
	"github.com/craftpm/craft/sri"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrency = 10

// ChecksumError reports a tarball that downloaded successfully but
// didn't match its expected digest.
type ChecksumError struct {
	Name     string
	Version  string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s@%s: expected %s, got %s", e.Name, e.Version, e.Expected, e.Actual)
}

// Downloader fetches and caches tarballs on disk, bounded by a weighted
// semaphore rather than the teacher's hand-rolled channel semaphore, per
// the errgroup+semaphore.Weighted shape in the retrieval pack's caladan
// resolver.
type Downloader struct {
	log      *slog.Logger
	http     *http.Client
	sem      *semaphore.Weighted
	cacheDir string
	progress *progress.Sender
	metrics  metrics.Metrics
}

// New creates a Downloader that caches tarballs under cacheDir, allowing
// up to maxConcurrency downloads in flight at once. maxConcurrency <= 0
// uses the default. sender may be nil to disable progress reporting; m
// may be the zero Metrics to disable counters.
func New(log *slog.Logger, cacheDir string, maxConcurrency int64, sender *progress.Sender, m metrics.Metrics) *Downloader {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Downloader{
		log:      log,
		http:     &http.Client{Timeout: 5 * time.Minute},
		sem:      semaphore.NewWeighted(maxConcurrency),
		cacheDir: cacheDir,
		progress: sender,
		metrics:  m,
	}
}

// DownloadAll fetches the tarball for every distinct package in items,
// deduplicating by (name, version) since the same concrete version may
// appear under several parents. It returns the on-disk tarball path for
// every distinct key. A single failure aborts the whole batch.
func (d *Downloader) DownloadAll(ctx context.Context, items []resolve.ResolvedItem) (map[registry.Key]string, error) {
	unique := make(map[registry.Key]registry.RemotePackageMeta)
	for _, item := range items {
		unique[item.Package.Key()] = item.Package
	}

	paths := make(map[registry.Key]string, len(unique))
	var mu sync.Mutex
	var done atomic.Int64
	total := len(unique)
	g, gctx := errgroup.WithContext(ctx)

	for key, meta := range unique {
		key, meta := key, meta
		g.Go(func() error {
			if err := d.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer d.sem.Release(1)

			path, bytes, cacheHit, err := d.downloadOne(gctx, meta)
			if err != nil {
				return err
			}
			mu.Lock()
			paths[key] = path
			mu.Unlock()

			d.metrics.IncrementFetched(gctx, meta.Name, bytes, cacheHit)
			if d.progress != nil {
				d.progress.Send(progress.Action{
					Phase:   progress.PhaseDownload,
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
	return paths, nil
}

// downloadOne fetches meta's tarball, returning its on-disk path, the
// number of bytes actually transferred (0 on a cache hit), and whether
// it was served from the local cache instead of downloaded.
func (d *Downloader) downloadOne(ctx context.Context, meta registry.RemotePackageMeta) (string, int64, bool, error) {
	path := filepath.Join(d.cacheDir, meta.Key().EscapedPath()+".tgz")

	if verifyShasum(path, meta.Dist.Shasum) {
		d.log.Debug("tarball already cached", slog.String("package", meta.Key().String()))
		return path, 0, true, nil
	}

	d.log.Info("downloading tarball", slog.String("package", meta.Key().String()), slog.String("url", meta.Dist.Tarball))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.Dist.Tarball, nil)
	if err != nil {
		return "", 0, false, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return "", 0, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, false, fmt.Errorf("downloading %s: unexpected status %d", meta.Dist.Tarball, resp.StatusCode)
	}

	tempPath := path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return "", 0, false, err
	}
	defer os.Remove(tempPath)

	sha1Hasher := sha1.New()
	writers := []io.Writer{f, sha1Hasher}

	var integrity *sri.SRI
	if meta.Dist.Integrity != "" {
		integrity, err = sri.Parse(meta.Dist.Integrity)
		if err != nil {
			f.Close()
			return "", 0, false, err
		}
		writers = append(writers, integrity)
	}

	written, err := io.Copy(io.MultiWriter(writers...), resp.Body)
	if err != nil {
		f.Close()
		return "", 0, false, err
	}
	if err := f.Close(); err != nil {
		return "", 0, false, err
	}

	actual := hex.EncodeToString(sha1Hasher.Sum(nil))
	if meta.Dist.Shasum != "" && actual != meta.Dist.Shasum {
		return "", 0, false, &ChecksumError{Name: meta.Name, Version: meta.Version, Expected: meta.Dist.Shasum, Actual: actual}
	}
	if integrity != nil && !integrity.Matches(meta.Dist.Integrity) {
		return "", 0, false, &ChecksumError{Name: meta.Name, Version: meta.Version, Expected: meta.Dist.Integrity, Actual: integrity.String()}
	}

	if err := os.Rename(tempPath, path); err != nil {
		return "", 0, false, err
	}
	return path, written, false, nil
}

// verifyShasum reports whether a file at path already exists and hashes
// to expectedSha, letting a re-run skip a tarball it already fetched.
func verifyShasum(path, expectedSha string) bool {
	if expectedSha == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	hasher := sha1.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false
	}
	return hex.EncodeToString(hasher.Sum(nil)) == expectedSha
}
