package resolve

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/craftpm/craft/registry"
)

// DiskCache is the persistent JSON-on-disk registry cache: a map of
// "name@version" to RemotePackageMeta, warmed at startup and flushed
// after a successful resolve. Modeled on the teacher's
// os.Create+json.Encoder pattern for writing package metadata to disk.
type DiskCache struct {
	path string
}

// NewDiskCache returns a disk cache backed by the JSON file at path.
func NewDiskCache(path string) *DiskCache {
	return &DiskCache{path: path}
}

// Load reads every cached entry from disk. A missing file is not an
// error; it simply yields an empty cache.
func (d *DiskCache) Load() (map[string]registry.RemotePackageMeta, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]registry.RemotePackageMeta{}, nil
		}
		return nil, err
	}
	entries := make(map[string]registry.RemotePackageMeta)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Flush writes entries to disk, overwriting any previous content. The
// caller is responsible for only calling this after a successful
// resolve; a failed resolution must not poison the cache.
func (d *DiskCache) Flush(entries map[string]registry.RemotePackageMeta) error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(d.path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
