package lockfile

import (
	"bytes"
	"testing"

	"github.com/craftpm/craft/registry"
	"github.com/craftpm/craft/resolve"
)

func sampleArtifacts() resolve.Artifacts {
	return resolve.Artifacts{Items: []resolve.ResolvedItem{
		{
			Package: registry.RemotePackageMeta{
				Name:         "a",
				Version:      "1.0.0",
				Dependencies: map[string]string{"b": "^2.0.0"},
				Dist:         registry.Dist{Tarball: "https://example.test/a-1.0.0.tgz", Shasum: "deadbeef"},
			},
			RequestedRange: "^1.0.0",
		},
		{
			Package: registry.RemotePackageMeta{
				Name:    "b",
				Version: "2.0.0",
				Dist:    registry.Dist{Tarball: "https://example.test/b-2.0.0.tgz", Shasum: "cafebabe"},
			},
			Parent:         "a",
			RequestedRange: "^2.0.0",
		},
	}}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, []string{"a@^1.0.0"}, sampleArtifacts()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	lf, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(lf.Packages) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(lf.Packages))
	}

	artifacts := lf.ToArtifacts()
	if len(artifacts.Items) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(artifacts.Items))
	}
	if artifacts.Items[0].Package.Name != "a" || artifacts.Items[0].Package.Version != "1.0.0" {
		t.Errorf("unexpected first artifact: %+v", artifacts.Items[0])
	}
	if artifacts.Items[1].Parent != "a" {
		t.Errorf("expected second artifact's parent to round-trip as %q, got %q", "a", artifacts.Items[1].Parent)
	}
}

func TestMatchesRootsIgnoresOrder(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, []string{"b@^2.0.0", "a@^1.0.0"}, sampleArtifacts()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	lf, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !lf.MatchesRoots([]string{"a@^1.0.0", "b@^2.0.0"}) {
		t.Error("expected MatchesRoots to ignore input order")
	}
	if lf.MatchesRoots([]string{"a@^1.0.0"}) {
		t.Error("expected MatchesRoots to reject a different root set")
	}
}
