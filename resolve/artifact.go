// Package resolve walks the transitive dependency graph of a set of root
// package specs against a registry, producing a deduplicated set of
// ResolvedItems with parent-trace tracking for the linker's nesting
// decisions.
package resolve

import "github.com/craftpm/craft/registry"

// ResolvedItem is one concrete package chosen to satisfy a range, plus
// the chain of ancestor package names leading to it.
type ResolvedItem struct {
	Package        registry.RemotePackageMeta
	Parent         string // "" for a top-level install root
	RequestedRange string
}

// ChildParent returns the parent chain a dependency of this item should
// be recorded under.
func (r ResolvedItem) ChildParent() string {
	if r.Parent == "" {
		return r.Package.Name
	}
	return r.Parent + "/" + r.Package.Name
}

func (r ResolvedItem) tripleKey() string {
	return r.Parent + "\x00" + r.Package.Name + "\x00" + r.Package.Version
}

// Artifacts is the resolver's output: every distinct (name, version,
// parent) triple encountered.
type Artifacts struct {
	Items []ResolvedItem
}

// ByParent groups the resolved items by their Parent chain, the shape
// the linker consumes.
func (a Artifacts) ByParent() map[string][]ResolvedItem {
	out := make(map[string][]ResolvedItem)
	for _, item := range a.Items {
		out[item.Parent] = append(out[item.Parent], item)
	}
	return out
}
