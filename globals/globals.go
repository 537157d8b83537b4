// Package globals holds the flags shared across every craft sub-command.
package globals

import (
	"os"
	"path/filepath"
)

// Globals is embedded in the top-level CLI struct and passed to every
// sub-command's Run method, following the same injection pattern the
// rest of the command tree uses for per-command configuration.
type Globals struct {
	Verbose     bool   `help:"Enable debug logging" default:"false" env:"CRAFT_VERBOSE_LOGGING"`
	RegistryURL string `help:"Registry base URL" default:"https://registry.npmjs.org" env:"CRAFT_REGISTRY_URL"`
	HomeDir     string `help:"Cache root directory" env:"CRAFT_HOME_DIR"`
}

// CacheDir returns the root directory craft uses for the registry cache,
// downloaded tarballs, extraction staging, and the cache index. It
// defaults to $HOME/.craft/cache when HomeDir isn't set.
func (g *Globals) CacheDir() string {
	if g.HomeDir != "" {
		return filepath.Join(g.HomeDir, "cache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".craft", "cache")
	}
	return filepath.Join(os.TempDir(), "craft-cache")
}
