package manifest

import (
	"sort"

	"github.com/cznic/sortutil"
	"github.com/pkg/errors"
)

// ResolvePrimaryBundle returns the bundle which holds the asset path.
func (m *Manifest) ResolvePrimaryBundle(path string) (*Bundle, error) {
	i, ok := m.assets[path]
	if !ok {
		return nil, errors.Wrap(ErrUnknownAsset, path)
	}
	return m.Bundles[i], nil
}

// ResolveDependencyClosure returns every bundle the asset's primary bundle
// transitively depends on. The primary bundle itself is not included. The
// list has no duplicates and is sorted by bundle id.
func (m *Manifest) ResolveDependencyClosure(path string) ([]*Bundle, error) {
	primary, err := m.ResolvePrimaryBundle(path)
	if err != nil {
		return nil, err
	}
	ids := m.closure(primary.DependIDs)
	result := make([]*Bundle, 0, len(ids))
	for _, id := range ids {
		if id == primary.ID {
			continue
		}
		result = append(result, m.Bundle(id))
	}
	return result, nil
}

// closure returns the sorted, de-duplicated ids reachable from start,
// including start itself. Validate has already ruled out cycles, but the
// walk tracks what it has seen so diamonds are expanded once.
func (m *Manifest) closure(start []string) []string {
	seen := make(map[string]bool)
	var ids []string
	work := append([]string{}, start...)
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
		if b := m.Bundle(id); b != nil {
			work = append(work, b.DependIDs...)
		}
	}
	sort.Strings(ids)
	return ids
}

// BundlesForPaths returns the bundles needed to load all of the given
// asset paths: their primary bundles and every dependency.
func (m *Manifest) BundlesForPaths(paths ...string) ([]*Bundle, error) {
	var ids []string
	for _, path := range paths {
		primary, err := m.ResolvePrimaryBundle(path)
		if err != nil {
			return nil, err
		}
		ids = append(ids, primary.ID)
		ids = append(ids, m.closure(primary.DependIDs)...)
	}
	return m.lookup(ids), nil
}

// BundlesByTags returns the bundles carrying any of the given tags, along
// with everything they depend on.
func (m *Manifest) BundlesByTags(tags ...string) []*Bundle {
	var ids []string
	for _, b := range m.Bundles {
		for _, t := range tags {
			if b.HasTag(t) {
				ids = append(ids, b.ID)
				ids = append(ids, m.closure(b.DependIDs)...)
				break
			}
		}
	}
	return m.lookup(ids)
}

// AllBundles returns every bundle, sorted by id.
func (m *Manifest) AllBundles() []*Bundle {
	ids := make([]string, 0, len(m.Bundles))
	for _, b := range m.Bundles {
		ids = append(ids, b.ID)
	}
	return m.lookup(ids)
}

// lookup sorts and de-duplicates ids and returns their bundles.
func (m *Manifest) lookup(ids []string) []*Bundle {
	sort.Strings(ids)
	ids = ids[:sortutil.Dedupe(sort.StringSlice(ids))]
	result := make([]*Bundle, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.Bundle(id))
	}
	return result
}

// Diff returns the bundles of m which are not present, with the same id and
// hash, in old. A nil old gives every bundle.
func (m *Manifest) Diff(old *Manifest) []*Bundle {
	var result []*Bundle
	for _, b := range m.AllBundles() {
		if old != nil {
			if ob := old.Bundle(b.ID); ob != nil && ob.Hash == b.Hash {
				continue
			}
		}
		result = append(result, b)
	}
	return result
}
