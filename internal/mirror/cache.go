package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/crx-repo/crx-repo/internal/omaha"
)

const (
	crxSuffix  = ".crx"
	partSuffix = ".crx.part"
	metaSuffix = ".meta.json"
)

var (
	validExtensionID = regexp.MustCompile(`^[a-p]{32}$`)
	validVersion     = regexp.MustCompile(`^[0-9A-Za-z._-]+$`)
)

// IsValidExtensionID reports whether id looks like a Chrome Web Store
// extension id: 32 characters drawn from the a-p alphabet.
func IsValidExtensionID(id string) bool {
	return validExtensionID.MatchString(id)
}

// IsValidVersion reports whether s is safe to embed in a package file
// name. Version strings reach us from upstream responses and request
// paths, so they must never be able to escape the cache directory.
func IsValidVersion(s string) bool {
	return validVersion.MatchString(s)
}

// Entry is one published (id, version) pair.
type Entry struct {
	ID      string
	Version string
}

// PackageMeta is the sidecar record stored next to a package.
type PackageMeta struct {
	ProdVersionMin string `json:"prodversionmin,omitempty"`
}

// IsZero reports whether the record carries no information.
func (m PackageMeta) IsZero() bool {
	return m == PackageMeta{}
}

// Cache is the on-disk extension store.
//
// Layout: <dir>/<extension id>/<version>.crx for published packages,
// optionally with a <version>.meta.json sidecar. Downloads stage into a
// .crx.part sibling and are renamed into place, so a file at the final
// path is always complete.
//
// Cache also keeps an in-memory view of the published (id, version)
// pairs. The filesystem stays authoritative: Scan rebuilds the view
// from a full walk and Watch keeps it current while the process runs.
type Cache struct {
	dir string

	mu    sync.RWMutex
	index map[string]map[string]struct{}
}

// NewCache prepares the cache directory and returns an empty Cache.
//
// If a regular file occupies dir it is removed with a warning and a
// directory is created in its place. Call Scan to load existing
// contents.
func NewCache(dir string) (*Cache, error) {
	st, err := os.Stat(dir)
	switch {
	case err == nil && !st.IsDir():
		slog.Warn("cache path is not a directory, removing", "path", dir)
		if err := os.Remove(dir); err != nil {
			return nil, errors.Wrap(err, "remove non-directory cache path")
		}
	case err != nil && !os.IsNotExist(err):
		return nil, errors.Wrap(err, "stat cache dir")
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "create cache dir")
	}

	return &Cache{
		dir:   dir,
		index: make(map[string]map[string]struct{}),
	}, nil
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the published location for one (id, version) pair.
// It does not check for existence.
func (c *Cache) Path(id, version string) string {
	return filepath.Join(c.dir, id, version+crxSuffix)
}

func (c *Cache) metaPath(id, version string) string {
	return filepath.Join(c.dir, id, version+metaSuffix)
}

// Open opens a published package for reading.
func (c *Cache) Open(id, version string) (*os.File, error) {
	return os.Open(c.Path(id, version))
}

// Size returns the size of a published package, or 0 if it is absent.
func (c *Cache) Size(id, version string) int64 {
	st, err := os.Stat(c.Path(id, version))
	if err != nil || !st.Mode().IsRegular() {
		return 0
	}
	return st.Size()
}

// SHA256 reads a published package and returns its content hash as a
// hex string. The hash is computed from the file every time; an absent
// package yields an empty string without error.
func (c *Cache) SHA256(id, version string) (string, error) {
	f, err := os.Open(c.Path(id, version))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrap(err, "open package")
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close package file", "path", f.Name(), "error", err)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hash package")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Meta reads the sidecar record for a package. Absent or unreadable
// sidecars yield the zero value.
func (c *Cache) Meta(id, version string) PackageMeta {
	var meta PackageMeta

	data, err := os.ReadFile(c.metaPath(id, version))
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		slog.Warn("malformed package metadata", "extension", id, "version", version, "error", err)
		return PackageMeta{}
	}
	return meta
}

// WriteMeta stores the sidecar record for a package.
func (c *Cache) WriteMeta(id, version string, meta PackageMeta) error {
	data, err := json.MarshalIndent(meta, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encode package metadata")
	}
	data = append(data, '\n')

	if err := os.WriteFile(c.metaPath(id, version), data, 0600); err != nil {
		return errors.Wrap(err, "write package metadata")
	}
	return nil
}

// Publish writes a package through fill and atomically moves it to its
// final path. fill receives the staging file; if it returns an error
// nothing becomes visible and the staging file is removed. On success
// the data is fsynced, renamed into place, and the extension directory
// is fsynced so the entry survives a crash.
//
// Publishing the same (id, version) again replaces the package in one
// step: readers observe either the old content or the new, never a mix.
func (c *Cache) Publish(id, version string, fill func(io.Writer) error) error {
	if !IsValidExtensionID(id) {
		return errors.New("invalid extension id: " + id)
	}
	if !IsValidVersion(version) {
		return errors.New("invalid version string: " + version)
	}

	extDir := filepath.Join(c.dir, id)
	if err := os.MkdirAll(extDir, 0750); err != nil {
		return errors.Wrap(err, "create extension dir")
	}

	part := filepath.Join(extDir, version+partSuffix)
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304 - id and version are validated above
	if err != nil {
		return errors.Wrap(err, "create staging file")
	}

	if err := fill(f); err != nil {
		closeAndRemoveFile(f)
		return err
	}
	if err := f.Sync(); err != nil {
		closeAndRemoveFile(f)
		return errors.Wrap(err, "sync staging file")
	}
	if err := f.Close(); err != nil {
		if rmErr := os.Remove(part); rmErr != nil {
			slog.Warn("failed to remove staging file", "file", part, "error", rmErr)
		}
		return errors.Wrap(err, "close staging file")
	}

	if err := os.Rename(part, c.Path(id, version)); err != nil {
		if rmErr := os.Remove(part); rmErr != nil {
			slog.Warn("failed to remove staging file", "file", part, "error", rmErr)
		}
		return errors.Wrap(err, "publish package")
	}
	if err := DirSync(extDir); err != nil {
		return errors.Wrap(err, "sync extension dir")
	}
	return nil
}

// Scan rebuilds the in-memory view from a full directory walk.
// Staging and sidecar files are skipped.
func (c *Cache) Scan() error {
	next := make(map[string]map[string]struct{})

	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return errors.Wrap(err, "scan cache dir")
	}
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		id := dirEntry.Name()

		files, err := os.ReadDir(filepath.Join(c.dir, id))
		if err != nil {
			return errors.Wrap(err, "scan extension dir "+id)
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			version, ok := versionFromFilename(file.Name())
			if !ok {
				continue
			}
			if next[id] == nil {
				next[id] = make(map[string]struct{})
			}
			next[id][version] = struct{}{}
		}
	}

	c.mu.Lock()
	c.index = next
	c.mu.Unlock()
	return nil
}

// versionFromFilename extracts the version from a published file name.
func versionFromFilename(name string) (string, bool) {
	version, found := strings.CutSuffix(name, crxSuffix)
	if !found || version == "" {
		return "", false
	}
	return version, true
}

// Entries returns a snapshot of published packages, sorted by id and
// then by ascending version.
//
// A non-empty idFilter selects that extension only. A non-empty
// versionFilter additionally keeps versions comparing greater than or
// equal to it, the protocol's "at least this new" semantics.
func (c *Cache) Entries(idFilter, versionFilter string) []Entry {
	c.mu.RLock()
	var entries []Entry
	for id, versions := range c.index {
		if idFilter != "" && id != idFilter {
			continue
		}
		for version := range versions {
			if versionFilter != "" && omaha.CompareVersions(version, versionFilter) == omaha.LessThan {
				continue
			}
			entries = append(entries, Entry{ID: id, Version: version})
		}
	}
	c.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ID != entries[j].ID {
			return entries[i].ID < entries[j].ID
		}
		return omaha.CompareVersions(entries[i].Version, entries[j].Version) == omaha.LessThan
	})
	return entries
}

// LatestVersion returns the newest cached version of an extension, or
// an empty string when nothing is cached yet.
func (c *Cache) LatestVersion(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var latest string
	for version := range c.index[id] {
		if latest == "" || omaha.CompareVersions(version, latest) == omaha.GreaterThan {
			latest = version
		}
	}
	return latest
}

// The index has exactly one writer role: Scan at startup and the watch
// loop afterwards. Everything else reads snapshots.

func (c *Cache) addEntry(id, version string) {
	c.mu.Lock()
	if c.index[id] == nil {
		c.index[id] = make(map[string]struct{})
	}
	c.index[id][version] = struct{}{}
	c.mu.Unlock()
}

func (c *Cache) removeEntry(id, version string) {
	c.mu.Lock()
	if versions := c.index[id]; versions != nil {
		delete(versions, version)
		if len(versions) == 0 {
			delete(c.index, id)
		}
	}
	c.mu.Unlock()
}

func (c *Cache) dropExtension(id string) {
	c.mu.Lock()
	delete(c.index, id)
	c.mu.Unlock()
}
