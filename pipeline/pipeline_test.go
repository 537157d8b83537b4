package pipeline

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/craftpm/craft/download"
	"github.com/craftpm/craft/extract"
	"github.com/craftpm/craft/metrics"
	"github.com/craftpm/craft/registry"
	"github.com/craftpm/craft/resolve"
)

func buildTarball(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: "package/" + name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	tw.Close()
	gz.Close()

	body := buf.Bytes()
	h := sha1.New()
	h.Write(body)
	return body, hex.EncodeToString(h.Sum(nil))
}

func TestPipelineRunEndToEnd(t *testing.T) {
	leftpadBody, leftpadSha := buildTarball(t, map[string]string{
		"package.json": `{"name":"left-pad","version":"1.0.0"}`,
		"index.js":     "module.exports = function(){};",
	})

	tarballSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(leftpadBody)
	}))
	defer tarballSrv.Close()

	meta := registry.RemotePackageMeta{
		Name:    "left-pad",
		Version: "1.0.0",
		Dist:    registry.Dist{Tarball: tarballSrv.URL, Shasum: leftpadSha},
	}

	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	}))
	defer registrySrv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	regCache := registry.NewCache()
	client := registry.New(log, registrySrv.URL, regCache)
	diskCache := resolve.NewDiskCache(filepath.Join(t.TempDir(), "registry-cache.json"))
	resolver := resolve.New(log, client, regCache, diskCache, nil, metrics.Metrics{})

	stagingDir := t.TempDir()
	downloader := download.New(log, t.TempDir(), 4, nil, metrics.Metrics{})
	extractor := extract.New(log, stagingDir, 4, nil, metrics.Metrics{})
	installRoot := t.TempDir()

	p := New(log, resolver, downloader, extractor, installRoot, stagingDir, nil, metrics.Metrics{})

	result, err := p.Run(context.Background(), []registry.PackageSpec{
		{Name: "left-pad", RawRange: "^1.0.0"},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Artifacts.Items) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(result.Artifacts.Items))
	}

	indexJS, err := os.ReadFile(filepath.Join(installRoot, "node_modules", "left-pad", "index.js"))
	if err != nil {
		t.Fatalf("reading linked index.js: %v", err)
	}
	if string(indexJS) != "module.exports = function(){};" {
		t.Fatalf("unexpected linked content: %s", indexJS)
	}
}

func TestPipelineRunPropagatesResolveFailureAsExecutionError(t *testing.T) {
	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer registrySrv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	regCache := registry.NewCache()
	client := registry.New(log, registrySrv.URL, regCache)
	diskCache := resolve.NewDiskCache(filepath.Join(t.TempDir(), "registry-cache.json"))
	resolver := resolve.New(log, client, regCache, diskCache, nil, metrics.Metrics{})
	downloader := download.New(log, t.TempDir(), 4, nil, metrics.Metrics{})
	extractor := extract.New(log, t.TempDir(), 4, nil, metrics.Metrics{})

	p := New(log, resolver, downloader, extractor, t.TempDir(), t.TempDir(), nil, metrics.Metrics{})

	_, err := p.Run(context.Background(), []registry.PackageSpec{{Name: "ghost", RawRange: "^1.0.0"}}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	execErr, ok := err.(*ExecutionError)
	if !ok {
		t.Fatalf("expected *ExecutionError, got %T: %v", err, err)
	}
	if execErr.Stage != StageResolve {
		t.Errorf("Stage = %q, want %q", execErr.Stage, StageResolve)
	}
}
