package registry

import "encoding/json"

// RemotePackageMeta is the subset of the npm registry's abbreviated
// package-version metadata that the install pipeline needs. Field shapes
// follow the registry's "install-v1" response format.
type RemotePackageMeta struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Dependencies         map[string]string `json:"dependencies,omitempty"`
	DevDependencies       map[string]string `json:"devDependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
	PeerDependencies     map[string]string `json:"peerDependencies,omitempty"`
	Dist                 Dist              `json:"dist"`
	Bin                  json.RawMessage   `json:"bin,omitempty"`
	Engines              json.RawMessage   `json:"engines,omitempty"`
	CPU                  []string          `json:"cpu,omitempty"`
	OS                   []string          `json:"os,omitempty"`
}

// Dist carries the distribution artifact's location and integrity data.
type Dist struct {
	Tarball      string `json:"tarball"`
	Shasum       string `json:"shasum"`
	Integrity    string `json:"integrity,omitempty"`
	UnpackedSize int64  `json:"unpackedSize,omitempty"`
}

// Key returns the canonical (name, version) identity of this metadata.
func (m RemotePackageMeta) Key() Key {
	return Key{Name: m.Name, Version: m.Version}
}

// BinNames returns the set of executable names this package declares,
// whether "bin" was encoded as a single string (binary name defaults to
// the package's base name) or as a name->path map.
func (m RemotePackageMeta) BinNames() map[string]string {
	if len(m.Bin) == 0 {
		return nil
	}
	var asMap map[string]string
	if err := json.Unmarshal(m.Bin, &asMap); err == nil {
		return asMap
	}
	var asString string
	if err := json.Unmarshal(m.Bin, &asString); err == nil && asString != "" {
		name := m.Name
		if idx := lastSlash(name); idx != -1 {
			name = name[idx+1:]
		}
		return map[string]string{name: asString}
	}
	return nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
