package resolve

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/craftpm/craft/metrics"
	"github.com/craftpm/craft/progress"
	"github.com/craftpm/craft/registry"
	"github.com/craftpm/craft/semverrange"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentFetches = 16

// Resolver walks the dependency graph of a set of root specs against a
// registry client, using an explicit FIFO work queue rather than
// recursion (per the design notes: this keeps bounded parallelism
// trivial and avoids deep call stacks), grounded on the
// queue-of-dependencyRequest + errgroup.SetLimit shape used by the
// trywpm-cli and caladan resolvers in the retrieval pack.
type Resolver struct {
	log       *slog.Logger
	client    *registry.Client
	regCache  *registry.Cache
	diskCache *DiskCache
	progress  *progress.Sender
	metrics   metrics.Metrics
}

// New creates a Resolver. regCache is the in-memory cache the client
// populates on every fetch; diskCache is the persistent on-disk cache
// warmed before resolving and flushed after a successful resolve.
// sender may be nil to disable progress reporting; m may be the zero
// Metrics to disable counters.
func New(log *slog.Logger, client *registry.Client, regCache *registry.Cache, diskCache *DiskCache, sender *progress.Sender, m metrics.Metrics) *Resolver {
	return &Resolver{log: log, client: client, regCache: regCache, diskCache: diskCache, progress: sender, metrics: m}
}

type queueEntry struct {
	spec   registry.PackageSpec
	parent string
}

// Resolve walks roots (always) and devRoots (only at the install root,
// never recursed into at deeper levels) to produce a deduplicated
// Artifacts set.
func (r *Resolver) Resolve(ctx context.Context, roots, devRoots []registry.PackageSpec) (Artifacts, error) {
	diskEntries, err := r.diskCache.Load()
	if err != nil {
		return Artifacts{}, err
	}
	r.regCache.Seed(diskEntries)

	var artifacts Artifacts
	byName := make(map[string][]int) // name -> indices into artifacts.Items

	queue := make([]queueEntry, 0, len(roots)+len(devRoots))
	for _, s := range roots {
		queue = append(queue, queueEntry{spec: s, parent: ""})
	}
	for _, s := range devRoots {
		queue = append(queue, queueEntry{spec: s, parent: ""})
	}

	for len(queue) > 0 {
		type fetchKey struct{ name, raw string }
		groups := make(map[fetchKey][]string) // fetchKey -> requesting parents
		var order []fetchKey
		for _, qe := range queue {
			fk := fetchKey{qe.spec.Name, qe.spec.RawRange}
			if _, ok := groups[fk]; !ok {
				order = append(order, fk)
			}
			groups[fk] = append(groups[fk], qe.parent)
		}
		queue = queue[:0]

		results := make(map[fetchKey]registry.RemotePackageMeta, len(order))
		var resultsMu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrentFetches)
		for _, fk := range order {
			fk := fk
			g.Go(func() error {
				meta, err := r.client.Fetch(gctx, registry.PackageSpec{Name: fk.name, RawRange: fk.raw})
				if err != nil {
					return err
				}
				resultsMu.Lock()
				results[fk] = meta
				resultsMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			// One failed fetch aborts the whole stage: no partial artifact
			// set is returned, and the registry cache is not persisted.
			return Artifacts{}, err
		}

		for _, fk := range order {
			meta := results[fk]
			for _, parent := range groups[fk] {
				rng, err := semverrange.Parse(fk.raw)
				if err != nil {
					return Artifacts{}, err
				}
				if satisfiedByAncestor(artifacts, byName, meta.Name, parent, rng) {
					continue
				}
				if existsAtExactParent(artifacts, byName, meta.Name, meta.Version, parent) {
					continue
				}

				item := ResolvedItem{Package: meta, Parent: parent, RequestedRange: fk.raw}
				artifacts.Items = append(artifacts.Items, item)
				byName[meta.Name] = append(byName[meta.Name], len(artifacts.Items)-1)

				r.metrics.IncrementResolved(ctx, meta.Name)
				if r.progress != nil {
					r.progress.Send(progress.Action{
						Phase:   progress.PhaseResolve,
						Package: item.Package.Key().String(),
						Done:    len(artifacts.Items),
					})
				}

				childParent := item.ChildParent()
				for depName, depRange := range meta.Dependencies {
					queue = append(queue, queueEntry{
						spec:   registry.PackageSpec{Name: depName, RawRange: depRange},
						parent: childParent,
					})
				}
			}
		}
	}

	if err := r.diskCache.Flush(r.regCache.Snapshot()); err != nil {
		r.log.Warn("failed to flush registry cache", slog.String("error", err.Error()))
	}
	return artifacts, nil
}

// satisfiedByAncestor reports whether some already-resolved item visible
// from childParent's ancestor chain already carries `name` at a version
// satisfying rng. When true, no new ResolvedItem is needed: the linker's
// own upward tree-walk placement will find the ancestor copy. This is what
// breaks same-name dependency cycles without an unbounded nesting chain.
func satisfiedByAncestor(artifacts Artifacts, byName map[string][]int, name, childParent string, rng semverrange.Range) bool {
	for _, p := range properPrefixes(childParent) {
		for _, idx := range byName[name] {
			item := artifacts.Items[idx]
			if item.Parent != p {
				continue
			}
			if ok, _ := rng.SatisfiesString(item.Package.Version); ok {
				return true
			}
		}
	}
	return false
}

// existsAtExactParent reports whether (name, version, parent) has
// already been resolved.
func existsAtExactParent(artifacts Artifacts, byName map[string][]int, name, version, parent string) bool {
	want := ResolvedItem{Package: registry.RemotePackageMeta{Name: name, Version: version}, Parent: parent}.tripleKey()
	for _, idx := range byName[name] {
		if artifacts.Items[idx].tripleKey() == want {
			return true
		}
	}
	return false
}

// properPrefixes returns every ancestor parent chain strictly above p,
// from the root ("") to p's immediate parent.
func properPrefixes(p string) []string {
	if p == "" {
		return nil
	}
	segments := strings.Split(p, "/")
	prefixes := make([]string, 0, len(segments))
	prefixes = append(prefixes, "")
	cur := ""
	for i := 0; i < len(segments)-1; i++ {
		if cur == "" {
			cur = segments[i]
		} else {
			cur = cur + "/" + segments[i]
		}
		prefixes = append(prefixes, cur)
	}
	return prefixes
}
