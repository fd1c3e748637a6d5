// Package manifest holds the versioned content catalog of a package: the
// list of bundles, what each bundle depends on, and which bundle provides
// each asset path.
//
// A Manifest is immutable once built. A new package version is activated by
// replacing the whole Manifest, never by editing one in place, so anything
// holding the old value keeps a consistent view.
package manifest

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Bundle describes one content addressed binary unit.
type Bundle struct {
	ID        string   // stable across versions while the content is unchanged
	FileName  string   // name of the file on the content hosts
	Size      int64    // bytes
	Hash      string   // hex MD5 of the file
	CRC       uint32   // CRC32 (IEEE) of the file
	Tags      []string // labels used to select groups of bundles
	Encrypted bool
	Raw       bool // a raw file rather than a zip archive of assets
	DependIDs []string
}

// HasTag returns true if the bundle carries the tag t.
func (b *Bundle) HasTag(t string) bool {
	for _, tag := range b.Tags {
		if tag == t {
			return true
		}
	}
	return false
}

// Manifest is one snapshot of a package's catalog.
type Manifest struct {
	Package string
	Version string
	Bundles []*Bundle

	assets map[string]int // asset path -> index into Bundles
	byID   map[string]int // bundle id -> index into Bundles
}

var (
	ErrUnknownAsset     = errors.New("unknown asset path")
	ErrUnknownBundle    = errors.New("unknown bundle id")
	ErrCyclicDependency = errors.New("cyclic bundle dependency")
	ErrDuplicateBundle  = errors.New("duplicate bundle id")
	ErrVersionMismatch  = errors.New("manifest version mismatch")
)

// New builds a manifest from a bundle list and a map of asset paths to
// bundle ids. The result is validated before it is returned.
func New(pkg, version string, bundles []*Bundle, assets map[string]string) (*Manifest, error) {
	m := &Manifest{
		Package: pkg,
		Version: version,
		Bundles: bundles,
		assets:  make(map[string]int, len(assets)),
		byID:    make(map[string]int, len(bundles)),
	}
	for i, b := range bundles {
		if b.ID == "" {
			return nil, errors.Errorf("bundle %d (%s) has no id", i, b.FileName)
		}
		if _, ok := m.byID[b.ID]; ok {
			return nil, errors.Wrap(ErrDuplicateBundle, b.ID)
		}
		m.byID[b.ID] = i
	}
	for path, id := range assets {
		i, ok := m.byID[id]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownBundle, "asset %s refers to %s", path, id)
		}
		m.assets[path] = i
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that every dependency id names a bundle in the manifest
// and that the dependency edges form a DAG. A cycle is reported with the
// ids along it.
func (m *Manifest) Validate() error {
	for _, b := range m.Bundles {
		for _, dep := range b.DependIDs {
			if _, ok := m.byID[dep]; !ok {
				return errors.Wrapf(ErrUnknownBundle, "%s depends on %s", b.ID, dep)
			}
		}
	}
	for path, i := range m.assets {
		if i < 0 || i >= len(m.Bundles) {
			return errors.Wrap(ErrUnknownBundle, path)
		}
	}

	const (
		white = iota // not visited
		grey         // on the current path
		black        // finished
	)
	color := make(map[string]int, len(m.Bundles))
	var stack []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range m.Bundles[m.byID[id]].DependIDs {
			switch color[dep] {
			case grey:
				return cycleError(stack, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}
	for _, b := range m.Bundles {
		if color[b.ID] == white {
			if err := visit(b.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func cycleError(stack []string, repeat string) error {
	var start int
	for i, id := range stack {
		if id == repeat {
			start = i
			break
		}
	}
	path := append(append([]string{}, stack[start:]...), repeat)
	return errors.Wrap(ErrCyclicDependency, strings.Join(path, " -> "))
}

// Bundle returns the bundle with the given id, or nil.
func (m *Manifest) Bundle(id string) *Bundle {
	i, ok := m.byID[id]
	if !ok {
		return nil
	}
	return m.Bundles[i]
}

// HasAsset returns true if path resolves to a bundle.
func (m *Manifest) HasAsset(path string) bool {
	_, ok := m.assets[path]
	return ok
}

// Assets returns every asset path in the manifest, sorted.
func (m *Manifest) Assets() []string {
	result := make([]string, 0, len(m.assets))
	for path := range m.assets {
		result = append(result, path)
	}
	sort.Strings(result)
	return result
}

// AssetBundleIDs returns the asset to bundle id map. The returned map is a
// copy.
func (m *Manifest) AssetBundleIDs() map[string]string {
	result := make(map[string]string, len(m.assets))
	for path, i := range m.assets {
		result[path] = m.Bundles[i].ID
	}
	return result
}

// TotalSize returns the sum of the sizes of the given bundles.
func TotalSize(bundles []*Bundle) int64 {
	var n int64
	for _, b := range bundles {
		n += b.Size
	}
	return n
}
