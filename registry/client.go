// Package registry fetches package metadata from an npm-compatible
// registry, resolving a version range to a single concrete version
// server-side and caching the result.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const acceptHeader = "application/vnd.npm.install-v1+json"

// NotFoundError is returned when the registry has no version of a
// package matching the requested range.
type NotFoundError struct {
	Name  string
	Range string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("package not found: %s@%s", e.Name, e.Range)
}

// FetchError wraps a transport-level failure reaching the registry.
type FetchError struct {
	Name  string
	Range string
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s@%s: %s", e.Name, e.Range, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Client fetches RemotePackageMeta from a single registry, caching
// results in memory under both the requested range and the resolved
// version.
type Client struct {
	log     *slog.Logger
	http    *http.Client
	baseURL string
	cache   *Cache
}

// New creates a registry client against baseURL (e.g.
// "https://registry.npmjs.org"), sharing cache across every Fetch call.
func New(log *slog.Logger, baseURL string, cache *Cache) *Client {
	return &Client{
		log:     log,
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cache:   cache,
	}
}

// Fetch resolves spec against the registry, consulting the in-memory
// cache first.
func (c *Client) Fetch(ctx context.Context, spec PackageSpec) (RemotePackageMeta, error) {
	if meta, ok := c.cache.GetByRange(spec.Name, spec.RawRange); ok {
		return meta, nil
	}

	escapedName := escapePackageName(spec.Name)
	reqURL := fmt.Sprintf("%s/%s/%s", c.baseURL, escapedName, url.PathEscape(spec.RawRange))

	c.log.Debug("fetching package metadata", slog.String("name", spec.Name), slog.String("range", spec.RawRange))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return RemotePackageMeta{}, &FetchError{Name: spec.Name, Range: spec.RawRange, Cause: err}
	}
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.http.Do(req)
	if err != nil {
		return RemotePackageMeta{}, &FetchError{Name: spec.Name, Range: spec.RawRange, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return RemotePackageMeta{}, &NotFoundError{Name: spec.Name, Range: spec.RawRange}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return RemotePackageMeta{}, &FetchError{Name: spec.Name, Range: spec.RawRange, Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var meta RemotePackageMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return RemotePackageMeta{}, &FetchError{Name: spec.Name, Range: spec.RawRange, Cause: err}
	}

	c.cache.Put(spec.Name, spec.RawRange, meta)
	return meta, nil
}

// escapePackageName URL-path-escapes a package name once, preserving the
// "/" separator in scoped names ("@scope/name").
func escapePackageName(name string) string {
	if !strings.HasPrefix(name, "@") {
		return url.PathEscape(name)
	}
	parts := strings.SplitN(name[1:], "/", 2)
	if len(parts) != 2 {
		return url.PathEscape(name)
	}
	return "@" + url.PathEscape(parts[0]) + "/" + url.PathEscape(parts[1])
}
