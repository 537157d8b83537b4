// Package pipeline drives an install through its four stages in strict
// sequence: resolve, download, extract, link. Each stage only starts
// once the previous one has fully completed: a failure in any stage
// aborts the whole install, and staging from a failed run is left on
// disk for inspection rather than cleaned up.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/craftpm/craft/download"
	"github.com/craftpm/craft/extract"
	"github.com/craftpm/craft/link"
	"github.com/craftpm/craft/metrics"
	"github.com/craftpm/craft/progress"
	"github.com/craftpm/craft/registry"
	"github.com/craftpm/craft/resolve"
)

// Stage names an install pipeline stage, for ExecutionError.
type Stage string

const (
	StageResolve  Stage = "resolve"
	StageDownload Stage = "download"
	StageExtract  Stage = "extract"
	StageLink     Stage = "link"
)

// ExecutionError wraps the first failure encountered in a pipeline run,
// identifying which stage produced it.
type ExecutionError struct {
	Stage Stage
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s stage failed: %s", e.Stage, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Pipeline wires together the four stage implementations.
type Pipeline struct {
	log        *slog.Logger
	resolver   *resolve.Resolver
	downloads  *download.Downloader
	extracts   *extract.Extractor
	rootDir    string
	stagingDir string
	progress   *progress.Sender
	metrics    metrics.Metrics
}

// New creates a Pipeline. rootDir is the install target directory (the
// one that will gain a node_modules subdirectory); stagingDir is the
// scratch directory the extract stage unpacks into, removed once the
// link stage places everything successfully. sender may be nil to
// disable progress reporting; m may be the zero Metrics to disable
// counters.
func New(log *slog.Logger, resolver *resolve.Resolver, downloads *download.Downloader, extracts *extract.Extractor, rootDir, stagingDir string, sender *progress.Sender, m metrics.Metrics) *Pipeline {
	return &Pipeline{
		log:        log,
		resolver:   resolver,
		downloads:  downloads,
		extracts:   extracts,
		rootDir:    rootDir,
		stagingDir: stagingDir,
		progress:   sender,
		metrics:    m,
	}
}

// Result summarizes a completed install.
type Result struct {
	Artifacts resolve.Artifacts
}

// Run executes the full install pipeline for roots (always walked) and
// devRoots (only at the install root).
func (p *Pipeline) Run(ctx context.Context, roots, devRoots []registry.PackageSpec) (Result, error) {
	p.log.Info("resolving dependency graph")
	artifacts, err := p.resolver.Resolve(ctx, roots, devRoots)
	if err != nil {
		return Result{}, &ExecutionError{Stage: StageResolve, Cause: err}
	}
	p.log.Info("resolved packages", slog.Int("count", len(artifacts.Items)))

	p.log.Info("downloading tarballs")
	tarballPaths, err := p.downloads.DownloadAll(ctx, artifacts.Items)
	if err != nil {
		return Result{}, &ExecutionError{Stage: StageDownload, Cause: err}
	}

	p.log.Info("extracting tarballs")
	stagedPaths, err := p.extracts.ExtractAll(ctx, tarballPaths)
	if err != nil {
		return Result{}, &ExecutionError{Stage: StageExtract, Cause: err}
	}

	p.log.Info("linking node_modules")
	linker := link.New(p.log, p.rootDir, stagedPaths, p.progress, p.metrics)
	placements := link.Plan(artifacts.Items)
	if err := linker.Link(placements); err != nil {
		return Result{}, &ExecutionError{Stage: StageLink, Cause: err}
	}

	if err := os.RemoveAll(p.stagingDir); err != nil {
		p.log.Warn("failed to clean up staging directory", slog.String("dir", p.stagingDir), slog.String("error", err.Error()))
	}

	return Result{Artifacts: artifacts}, nil
}
