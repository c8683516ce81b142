package mirror

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/crx-repo/crx-repo/internal/omaha"
)

// hashWorkers bounds how many packages are hashed concurrently while
// building a manifest.
const hashWorkers = 8

// Filter selects the packages of one extension for a manifest. Version
// is the requester's current version; only that version and newer ones
// are listed. An empty Version lists everything.
type Filter struct {
	ID      string
	Version string
}

// ManifestBuilder renders update manifests from the cache.
type ManifestBuilder struct {
	cache  *Cache
	base   string
	prefix string
}

// NewManifestBuilder creates a builder whose codebase URLs start with
// base+prefix. Both must already be normalized.
func NewManifestBuilder(cache *Cache, base, prefix string) *ManifestBuilder {
	return &ManifestBuilder{
		cache:  cache,
		base:   base,
		prefix: prefix,
	}
}

// Build renders a manifest for the filtered packages, or for every
// cached package when no filter is given. Hashes are computed from the
// files on disk; packages that vanish between listing and hashing are
// silently dropped.
func (b *ManifestBuilder) Build(ctx context.Context, filters []Filter) (*omaha.GUpdate, error) {
	var entries []Entry
	if len(filters) == 0 {
		entries = b.cache.Entries("", "")
	} else {
		for _, f := range filters {
			entries = append(entries, b.cache.Entries(f.ID, f.Version)...)
		}
		// Batches arrive in filter order; restore the id-then-version
		// order a single listing would have.
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].ID != entries[j].ID {
				return entries[i].ID < entries[j].ID
			}
			return omaha.CompareVersions(entries[i].Version, entries[j].Version) == omaha.LessThan
		})
	}

	checks := make([]omaha.UpdateCheck, len(entries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)
	for i, e := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			sum, err := b.cache.SHA256(e.ID, e.Version)
			if err != nil {
				return err
			}
			meta := b.cache.Meta(e.ID, e.Version)
			checks[i] = omaha.UpdateCheck{
				Codebase:       b.base + b.prefix + "/" + e.ID + "/" + e.Version + crxSuffix,
				HashSHA256:     sum,
				Size:           b.cache.Size(e.ID, e.Version),
				Version:        e.Version,
				ProdVersionMin: meta.ProdVersionMin,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp := omaha.NewResponse()
	for i, e := range entries {
		if checks[i].HashSHA256 == "" {
			// The package disappeared while hashing.
			continue
		}
		resp.App(e.ID).AddCheck(checks[i])
	}
	return resp, nil
}
