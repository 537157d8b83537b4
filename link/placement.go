// Package link decides where each resolved package lands in the
// node_modules tree and materializes that placement on disk, including
// executable shims for any package that declares "bin" entries.
package link

import (
	"strings"

	"github.com/craftpm/craft/resolve"
)

// Placement is one resolved item's destination, expressed as a path
// relative to the install root's node_modules directory (e.g. "left-pad"
// for a hoisted root dependency, or "a/node_modules/b" for one nested
// under a conflicting sibling).
type Placement struct {
	Item resolve.ResolvedItem
	Dir  string
}

// Plan computes a placement for every resolved item: hoist to the root
// node_modules when no conflicting version is already there, nest under
// the requesting parent's own node_modules otherwise. Items must be in
// an order where every item appears after its parent (the resolver's
// BFS order already satisfies this).
func Plan(items []resolve.ResolvedItem) []Placement {
	rootVersions := make(map[string]string)
	placements := make([]Placement, 0, len(items))

	for _, item := range items {
		name := item.Package.Name
		version := item.Package.Version

		if item.Parent == "" {
			rootVersions[name] = version
			placements = append(placements, Placement{Item: item, Dir: name})
			continue
		}

		if existing, ok := rootVersions[name]; ok {
			if existing == version {
				placements = append(placements, Placement{Item: item, Dir: name})
				continue
			}
			placements = append(placements, Placement{Item: item, Dir: nestedDir(item.Parent, name)})
			continue
		}

		rootVersions[name] = version
		placements = append(placements, Placement{Item: item, Dir: name})
	}

	return placements
}

// nestedDir builds a node_modules-nested relative path for a package
// placed under a conflicting ancestor chain, e.g. nestedDir("a/b", "c")
// => "a/node_modules/b/node_modules/c".
func nestedDir(parentChain, name string) string {
	segments := strings.Split(parentChain, "/")
	var sb strings.Builder
	for _, s := range segments {
		sb.WriteString(s)
		sb.WriteString("/node_modules/")
	}
	sb.WriteString(name)
	return sb.String()
}
