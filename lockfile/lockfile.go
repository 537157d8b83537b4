// Package lockfile reads and writes craft-lock.json, an always-written
// record of the last successful resolution that doubles as a fast-path
// input: a repeat install against unchanged root specs can skip the
// registry walk entirely and replay the locked artifact set. Grounded on
// the teacher's npm/pkglock package, which reads an existing npm
// package-lock.json into a flat "name@version" list; craft-lock.json
// additionally records parent chains and dist info so it can be
// replayed without a registry round-trip.
package lockfile

import (
	"encoding/json"
	"io"
	"slices"

	"github.com/craftpm/craft/registry"
	"github.com/craftpm/craft/resolve"
)

const lockfileVersion = 1

// Entry is one locked package placement.
type Entry struct {
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	Parent         string            `json:"parent"`
	RequestedRange string            `json:"requestedRange"`
	Dist           registry.Dist     `json:"dist"`
	Dependencies   map[string]string `json:"dependencies,omitempty"`
}

// Lockfile is the decoded contents of craft-lock.json.
type Lockfile struct {
	LockfileVersion int      `json:"lockfileVersion"`
	Roots           []string `json:"roots"`
	Packages        []Entry  `json:"packages"`
}

// Read decodes a craft-lock.json from r.
func Read(r io.Reader) (Lockfile, error) {
	var lf Lockfile
	if err := json.NewDecoder(r).Decode(&lf); err != nil {
		return Lockfile{}, err
	}
	return lf, nil
}

// Write encodes a Lockfile recording roots (the "name@range" root specs
// this resolution was computed from) and artifacts to w.
func Write(w io.Writer, roots []string, artifacts resolve.Artifacts) error {
	lf := Lockfile{
		LockfileVersion: lockfileVersion,
		Roots:           append([]string(nil), roots...),
		Packages:        make([]Entry, 0, len(artifacts.Items)),
	}
	slices.Sort(lf.Roots)

	for _, item := range artifacts.Items {
		lf.Packages = append(lf.Packages, Entry{
			Name:           item.Package.Name,
			Version:        item.Package.Version,
			Parent:         item.Parent,
			RequestedRange: item.RequestedRange,
			Dist:           item.Package.Dist,
			Dependencies:   item.Package.Dependencies,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(lf)
}

// MatchesRoots reports whether this lockfile was computed from exactly
// the given root specs, the precondition for using it as a fast-path
// instead of re-resolving.
func (lf Lockfile) MatchesRoots(roots []string) bool {
	sorted := append([]string(nil), roots...)
	slices.Sort(sorted)
	return slices.Equal(lf.Roots, sorted)
}

// ToArtifacts replays the lockfile's entries as a resolve.Artifacts
// set, skipping the registry walk entirely.
func (lf Lockfile) ToArtifacts() resolve.Artifacts {
	items := make([]resolve.ResolvedItem, 0, len(lf.Packages))
	for _, e := range lf.Packages {
		items = append(items, resolve.ResolvedItem{
			Package: registry.RemotePackageMeta{
				Name:         e.Name,
				Version:      e.Version,
				Dependencies: e.Dependencies,
				Dist:         e.Dist,
			},
			Parent:         e.Parent,
			RequestedRange: e.RequestedRange,
		})
	}
	return resolve.Artifacts{Items: items}
}
