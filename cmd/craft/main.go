package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/craftpm/craft/cachestore"
	"github.com/craftpm/craft/download"
	"github.com/craftpm/craft/execrun"
	"github.com/craftpm/craft/extract"
	"github.com/craftpm/craft/globals"
	"github.com/craftpm/craft/link"
	"github.com/craftpm/craft/lockfile"
	craftmetrics "github.com/craftpm/craft/metrics"
	"github.com/craftpm/craft/pipeline"
	"github.com/craftpm/craft/pkgjson"
	"github.com/craftpm/craft/progress"
	"github.com/craftpm/craft/registry"
	"github.com/craftpm/craft/resolve"
	"github.com/craftpm/craft/storage"

	"github.com/alecthomas/kong"
)

const progressBusBuffer = 64

var Version = "dev"

type CLI struct {
	globals.Globals
	Install InstallCmd `cmd:"" help:"Resolve, download, extract, and link dependencies"`
	Run     RunCmd     `cmd:"" help:"Run a package.json script"`
	Cache   CacheCmd   `cmd:"" help:"Inspect or clear the local package cache"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

type VersionCmd struct{}

func (cmd *VersionCmd) Run(g *globals.Globals) error {
	fmt.Println(Version)
	return nil
}

type S3MirrorFlags struct {
	Bucket          string `help:"Mirror downloaded tarballs into this S3 bucket" env:"CRAFT_S3_MIRROR_BUCKET"`
	Prefix          string `help:"Key prefix within the mirror bucket" default:"craft/" env:"CRAFT_S3_MIRROR_PREFIX"`
	Region          string `help:"S3 region" env:"CRAFT_S3_MIRROR_REGION"`
	Endpoint        string `help:"S3 endpoint URL (for MinIO/custom endpoints)" env:"CRAFT_S3_MIRROR_ENDPOINT"`
	AccessKeyID     string `help:"S3 access key ID (uses IAM role if not set)" env:"CRAFT_S3_MIRROR_ACCESS_KEY_ID"`
	SecretAccessKey string `help:"S3 secret access key (uses IAM role if not set)" env:"CRAFT_S3_MIRROR_SECRET_ACCESS_KEY"`
	ForcePathStyle  bool   `help:"Use path-style S3 URLs (required for MinIO)" env:"CRAFT_S3_MIRROR_FORCE_PATH_STYLE"`
}

type InstallCmd struct {
	Packages    []string       `arg:"" optional:"" help:"Package specs to install (name@range); reads package.json when omitted"`
	Dev         bool           `help:"Install only devDependencies"`
	Prod        bool           `help:"Skip devDependencies"`
	NoOptional  bool           `help:"Skip optionalDependencies" name:"no-optional"`
	Global      bool           `help:"Install into a global location instead of the current directory"`
	Offline     bool           `help:"Fail instead of contacting the registry when a resolution isn't already locked or cached"`
	Concurrency int64          `help:"Maximum concurrent downloads" default:"10"`
	MetricsAddr string         `help:"Address to serve Prometheus metrics on; empty disables" env:"CRAFT_METRICS_ADDR"`
	S3Mirror    S3MirrorFlags  `embed:"" prefix:"s3-mirror-"`
}

func (cmd *InstallCmd) Run(g *globals.Globals) error {
	log := newLogger(g.Verbose)
	ctx := context.Background()

	var m craftmetrics.Metrics
	if cmd.MetricsAddr != "" {
		var err error
		m, err = craftmetrics.New()
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		go func() {
			if err := craftmetrics.ListenAndServe(cmd.MetricsAddr); err != nil {
				log.Error("metrics server exited", slog.String("error", err.Error()))
			}
		}()
	}

	bus := progress.NewBus(progressBusBuffer)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		bus.Consume(func(a progress.Action) {
			fmt.Printf("%s: %s (%d/%d)\n", a.Phase, a.Package, a.Done, a.Total)
		})
	}()
	defer func() {
		bus.Close()
		<-consumerDone
	}()

	rootDir, err := cmd.installRoot(g)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return err
	}

	roots, devRoots, err := cmd.collectSpecs(rootDir)
	if err != nil {
		return err
	}
	allSpecs := make([]string, 0, len(roots)+len(devRoots))
	for _, s := range roots {
		allSpecs = append(allSpecs, s.String())
	}
	for _, s := range devRoots {
		allSpecs = append(allSpecs, s.String())
	}

	cacheDir := g.CacheDir()
	stagingDir := filepath.Join(rootDir, "node_modules", ".craft")
	regCache := registry.NewCache()
	client := registry.New(log, g.RegistryURL, regCache)
	diskCache := resolve.NewDiskCache(filepath.Join(cacheDir, "registry-cache.json"))
	resolver := resolve.New(log, client, regCache, diskCache, bus.Sender(), m)
	downloader := download.New(log, filepath.Join(cacheDir, "packages"), cmd.Concurrency, bus.Sender(), m)
	extractor := extract.New(log, stagingDir, int(cmd.Concurrency), bus.Sender(), m)

	p := pipeline.New(log, resolver, downloader, extractor, rootDir, stagingDir, bus.Sender(), m)

	lockPath := filepath.Join(rootDir, "craft-lock.json")
	if lf, ok := readMatchingLockfile(lockPath, allSpecs); ok && !cmd.Offline {
		log.Info("using craft-lock.json fast path")
		artifacts := lf.ToArtifacts()
		tarballPaths, err := downloader.DownloadAll(ctx, artifacts.Items)
		if err != nil {
			return &pipeline.ExecutionError{Stage: pipeline.StageDownload, Cause: err}
		}
		stagedPaths, err := extractor.ExtractAll(ctx, tarballPaths)
		if err != nil {
			return &pipeline.ExecutionError{Stage: pipeline.StageExtract, Cause: err}
		}
		if err := linkFromLockfile(log, rootDir, artifacts, stagedPaths, bus.Sender(), m); err != nil {
			return &pipeline.ExecutionError{Stage: pipeline.StageLink, Cause: err}
		}
		if err := os.RemoveAll(stagingDir); err != nil {
			log.Warn("failed to clean up staging directory", slog.String("dir", stagingDir), slog.String("error", err.Error()))
		}
		return recordCacheIndex(ctx, cacheDir, artifacts, tarballPaths)
	}

	result, err := p.Run(ctx, roots, devRoots)
	if err != nil {
		return err
	}

	lockFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("writing craft-lock.json: %w", err)
	}
	defer lockFile.Close()
	if err := lockfile.Write(lockFile, allSpecs, result.Artifacts); err != nil {
		return fmt.Errorf("writing craft-lock.json: %w", err)
	}

	if err := mirrorToS3(ctx, log, cmd.S3Mirror, cacheDir, result.Artifacts); err != nil {
		log.Warn("s3 mirror upload failed", slog.String("error", err.Error()))
	}

	return recordCacheIndexArtifacts(ctx, cacheDir, result.Artifacts)
}

func (cmd *InstallCmd) installRoot(g *globals.Globals) (string, error) {
	if cmd.Global {
		home := g.HomeDir
		if home == "" {
			h, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			home = filepath.Join(h, ".craft")
		}
		return filepath.Join(home, "global"), nil
	}
	return os.Getwd()
}

// collectSpecs builds the root and dev-root specs for this install: from
// explicit CLI package args when given, otherwise from package.json.
// Dev dependencies are only ever walked at this root level, never pulled
// in transitively through a dependency's own devDependencies.
func (cmd *InstallCmd) collectSpecs(rootDir string) (roots, devRoots []registry.PackageSpec, err error) {
	if len(cmd.Packages) > 0 {
		for _, p := range cmd.Packages {
			roots = append(roots, registry.ParseSpec(p))
		}
		return roots, nil, nil
	}

	pkg, err := pkgjson.ReadFile(filepath.Join(rootDir, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	if !cmd.Dev {
		for name, rng := range pkg.Dependencies {
			roots = append(roots, registry.PackageSpec{Name: name, RawRange: rng})
		}
		if !cmd.NoOptional {
			for name, rng := range pkg.OptionalDependencies {
				roots = append(roots, registry.PackageSpec{Name: name, RawRange: rng})
			}
		}
	}
	if !cmd.Prod {
		for name, rng := range pkg.DevDependencies {
			devRoots = append(devRoots, registry.PackageSpec{Name: name, RawRange: rng})
		}
	}
	return roots, devRoots, nil
}

type RunCmd struct {
	Script string   `arg:"" help:"Name of the package.json script to run"`
	Args   []string `arg:"" optional:"" help:"Arguments passed through to the script"`
}

func (cmd *RunCmd) Run(g *globals.Globals) error {
	rootDir, err := os.Getwd()
	if err != nil {
		return err
	}
	pkg, err := pkgjson.ReadFile(filepath.Join(rootDir, "package.json"))
	if err != nil {
		return fmt.Errorf("reading package.json: %w", err)
	}
	script, ok := pkg.Script(cmd.Script)
	if !ok {
		return &execrun.ScriptNotFoundError{Name: cmd.Script}
	}
	return execrun.Run(context.Background(), rootDir, script, cmd.Args)
}

type CacheCmd struct {
	Clean CacheCleanCmd `cmd:"" help:"Remove every cached package and registry entry"`
	Info  CacheInfoCmd  `cmd:"" help:"Show package cache size and entry count"`
}

type CacheCleanCmd struct{}

func (cmd *CacheCleanCmd) Run(g *globals.Globals) error {
	cacheDir := g.CacheDir()
	if err := os.RemoveAll(cacheDir); err != nil {
		return err
	}
	fmt.Println("cache cleared")
	return nil
}

type CacheInfoCmd struct{}

func (cmd *CacheInfoCmd) Run(g *globals.Globals) error {
	idx, err := cachestore.Open(filepath.Join(g.CacheDir(), "index.db"))
	if err != nil {
		return err
	}
	defer idx.Close()

	stats, err := idx.Info(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("packages: %d\nsize: %d bytes\n", stats.PackageCount, stats.TotalBytes)
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func readMatchingLockfile(path string, specs []string) (lockfile.Lockfile, bool) {
	f, err := os.Open(path)
	if err != nil {
		return lockfile.Lockfile{}, false
	}
	defer f.Close()

	lf, err := lockfile.Read(f)
	if err != nil {
		return lockfile.Lockfile{}, false
	}
	return lf, lf.MatchesRoots(specs)
}

// linkFromLockfile re-links node_modules from a lockfile-derived artifact
// set, skipping the resolve stage entirely (the lockfile fast path).
func linkFromLockfile(log *slog.Logger, rootDir string, artifacts resolve.Artifacts, stagedPaths map[registry.Key]string, sender *progress.Sender, m craftmetrics.Metrics) error {
	linker := link.New(log, rootDir, stagedPaths, sender, m)
	placements := link.Plan(artifacts.Items)
	return linker.Link(placements)
}

func mirrorToS3(ctx context.Context, log *slog.Logger, flags S3MirrorFlags, cacheDir string, artifacts resolve.Artifacts) error {
	if flags.Bucket == "" {
		return nil
	}
	mirror, err := storage.NewS3(ctx, storage.S3Config{
		Bucket:          flags.Bucket,
		Prefix:          flags.Prefix,
		Region:          flags.Region,
		Endpoint:        flags.Endpoint,
		AccessKeyID:     flags.AccessKeyID,
		SecretAccessKey: flags.SecretAccessKey,
		ForcePathStyle:  flags.ForcePathStyle,
	})
	if err != nil {
		return err
	}

	for _, item := range artifacts.Items {
		key := item.Package.Key()
		tarballPath := filepath.Join(cacheDir, "packages", key.EscapedPath()+".tgz")
		f, err := os.Open(tarballPath)
		if err != nil {
			log.Warn("skipping mirror upload, tarball missing", slog.String("package", key.String()))
			continue
		}
		uploadErr := mirror.Write(ctx, key.EscapedPath()+".tgz", f)
		f.Close()
		if uploadErr != nil {
			return uploadErr
		}
	}
	return nil
}

func recordCacheIndexArtifacts(ctx context.Context, cacheDir string, artifacts resolve.Artifacts) error {
	paths := make(map[registry.Key]string, len(artifacts.Items))
	for _, item := range artifacts.Items {
		key := item.Package.Key()
		paths[key] = filepath.Join(cacheDir, "packages", key.EscapedPath()+".tgz")
	}
	return recordCacheIndex(ctx, cacheDir, artifacts, paths)
}

func recordCacheIndex(ctx context.Context, cacheDir string, artifacts resolve.Artifacts, tarballPaths map[registry.Key]string) error {
	idx, err := cachestore.Open(filepath.Join(cacheDir, "index.db"))
	if err != nil {
		return err
	}
	defer idx.Close()

	for _, item := range artifacts.Items {
		key := item.Package.Key()
		path, ok := tarballPaths[key]
		if !ok {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if err := idx.Record(ctx, key, path, info.Size()); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	cli := CLI{Globals: globals.Globals{}}

	kctx := kong.Parse(&cli,
		kong.Name("craft"),
		kong.Description("Resolve, download, and link npm-compatible package dependencies"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}
