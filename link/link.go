package link

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/craftpm/craft/metrics"
	"github.com/craftpm/craft/progress"
	"github.com/craftpm/craft/registry"
)

// Linker materializes a placement plan on disk: copying each extracted
// package into its node_modules slot and generating bin shims for any
// package that declares executables.
type Linker struct {
	log         *slog.Logger
	rootDir     string // the install root, containing (or about to contain) node_modules
	stagingPath map[registry.Key]string
	progress    *progress.Sender
	metrics     metrics.Metrics
}

// New creates a Linker rooted at rootDir, resolving extracted package
// contents from stagingPath (as returned by extract.Extractor.ExtractAll).
// sender may be nil to disable progress reporting; m may be the zero
// Metrics to disable counters.
func New(log *slog.Logger, rootDir string, stagingPath map[registry.Key]string, sender *progress.Sender, m metrics.Metrics) *Linker {
	return &Linker{log: log, rootDir: rootDir, stagingPath: stagingPath, progress: sender, metrics: m}
}

// Link places every item in placements under rootDir/node_modules and
// writes bin shims for packages that declare executables. A placement
// whose destination already exists is assumed to be a shared hoist
// target and is skipped rather than re-copied.
func (l *Linker) Link(placements []Placement) error {
	ctx := context.Background()
	placed := make(map[string]bool)
	done := 0
	total := len(placements)

	for _, p := range placements {
		dest := filepath.Join(l.rootDir, "node_modules", filepath.FromSlash(p.Dir))
		if placed[dest] {
			continue
		}
		staged, ok := l.stagingPath[p.Item.Package.Key()]
		if !ok {
			return fmt.Errorf("no extracted contents for %s", p.Item.Package.Key())
		}
		src := filepath.Join(staged, "package")

		l.log.Debug("placing package", slog.String("package", p.Item.Package.Key().String()), slog.String("dest", dest))
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
		if err := copyTree(src, dest); err != nil {
			return fmt.Errorf("placing %s: %w", p.Item.Package.Key(), err)
		}
		placed[dest] = true

		binDir := filepath.Join(filepath.Dir(dest), ".bin")
		for binName, relPath := range p.Item.Package.BinNames() {
			target := filepath.Join(dest, filepath.FromSlash(relPath))
			if err := writeBinShim(binDir, binName, target); err != nil {
				return fmt.Errorf("writing bin shim %s for %s: %w", binName, p.Item.Package.Key(), err)
			}
		}

		l.metrics.IncrementLinked(ctx, p.Item.Package.Name)
		done++
		if l.progress != nil {
			l.progress.Send(progress.Action{
				Phase:   progress.PhaseLink,
				Package: p.Item.Package.Key().String(),
				Done:    done,
				Total:   total,
			})
		}
	}
	return nil
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		default:
			return copyFile(path, target)
		}
	})
}

func copyFile(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// writeBinShim writes launcher scripts for binName in binDir: a POSIX
// sh shim always, plus a Windows cmd and PowerShell shim when running on
// Windows, matching how npm itself always emits all three regardless of
// the host platform (we keep sh-only here for the host running the
// install, generating all three on Windows since a craft-managed
// monorepo may move between hosts).
func writeBinShim(binDir, binName, target string) error {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}

	shPath := filepath.Join(binDir, binName)
	shScript := fmt.Sprintf("#!/bin/sh\nexec node \"%s\" \"$@\"\n", target)
	if err := os.WriteFile(shPath, []byte(shScript), 0o755); err != nil {
		return err
	}

	if runtime.GOOS != "windows" {
		return nil
	}

	cmdPath := filepath.Join(binDir, binName+".cmd")
	cmdScript := fmt.Sprintf("@ECHO off\r\nnode \"%s\" %%*\r\n", target)
	if err := os.WriteFile(cmdPath, []byte(cmdScript), 0o755); err != nil {
		return err
	}

	ps1Path := filepath.Join(binDir, binName+".ps1")
	ps1Script := fmt.Sprintf("#!/usr/bin/env pwsh\n& node \"%s\" $args\n", target)
	return os.WriteFile(ps1Path, []byte(ps1Script), 0o755)
}
