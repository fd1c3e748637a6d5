// Package bundle turns asset requests into reference counted, shared
// acquisitions of bundle files.
//
// A Provider resolves one asset request: it looks up the primary bundle and
// its dependency closure in the manifest, and holds a reference on the
// Loader of each. A Loader acquires one bundle through a backend (download,
// unpack, or nothing) and opens it. Callers get a Handle, which refers to
// its Provider only by id, so a Handle outliving its Provider is simply
// invalid rather than dangling.
//
// Two requests for the same asset share one Provider. Nothing is closed
// when its reference count drops to zero; UnloadUnused does that, so a
// bundle never disappears in the middle of a caller's work.
//
// A Manager is not safe for concurrent use. Like the scheduler, it is
// driven from a single goroutine.
package bundle

import (
	"log"
	"sort"

	"github.com/ndlib/bundo/backend"
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
)

// Kind is the type of request a Provider serves.
type Kind int

// The kinds of request.
const (
	KindAsset Kind = iota // an entry inside a bundle archive
	KindRaw               // a raw file bundle, byte for byte
)

func (k Kind) String() string {
	if k == KindRaw {
		return "raw"
	}
	return "asset"
}

type providerKey struct {
	kind Kind
	path string
}

// Config connects a Manager to the rest of a package.
type Config struct {
	// Group is set on every operation the manager starts, normally the
	// package name.
	Group string

	Scheduler *op.Scheduler

	// Manifest returns the active manifest. New providers capture
	// whatever it returns at the time they are created.
	Manifest func() *manifest.Manifest

	// Backend chooses where a bundle comes from.
	Backend func(b *manifest.Bundle) (backend.Backend, error)

	// Acquire returns a started operation making b available through be,
	// or nil if b is available already. It lets the package share one
	// acquisition between loaders and download sessions. The default
	// starts be.Acquire(b) on the scheduler.
	Acquire func(be backend.Backend, b *manifest.Bundle) backend.Acquirer

	// Release is called once a loader no longer needs an acquisition it
	// got from Acquire, whether it finished or the loader was aborted.
	// May be nil.
	Release func(a backend.Acquirer)
}

// A Manager owns the providers and loaders of one package.
type Manager struct {
	cfg Config

	nextID    uint64
	providers map[uint64]*Provider // arena of live providers
	active    map[providerKey]uint64
	loaders   map[string]*Loader // by bundle id
}

// NewManager returns an empty manager.
func NewManager(cfg Config) *Manager {
	if cfg.Acquire == nil {
		cfg.Acquire = func(be backend.Backend, b *manifest.Bundle) backend.Acquirer {
			a := be.Acquire(b)
			if a != nil {
				a.State().Group = cfg.Group
				cfg.Scheduler.Start(a)
			}
			return a
		}
	}
	return &Manager{
		cfg:       cfg,
		providers: make(map[uint64]*Provider),
		active:    make(map[providerKey]uint64),
		loaders:   make(map[string]*Loader),
	}
}

// RequestAsset returns a handle for the asset at path. The load proceeds
// as the scheduler ticks. Requesting an asset which is already loading or
// loaded shares the existing work.
func (m *Manager) RequestAsset(path string) *Handle {
	return m.request(providerKey{kind: KindAsset, path: path})
}

// RequestRaw returns a handle for the raw file bundle holding path.
func (m *Manager) RequestRaw(path string) *Handle {
	return m.request(providerKey{kind: KindRaw, path: path})
}

func (m *Manager) request(key providerKey) *Handle {
	p := m.providers[m.active[key]]
	if p != nil && p.Status() == op.StatusFailed && p.refs == 0 {
		// nobody is looking at the failure, so try again
		m.destroyProvider(p)
		p = nil
	}
	if p == nil || p.Status() == op.StatusFailed {
		m.nextID++
		p = newProvider(m, m.nextID, key)
		m.providers[p.id] = p
		m.active[key] = p.id
		m.cfg.Scheduler.Start(p)
	}
	p.refs++
	return &Handle{m: m, id: p.id, path: key.path}
}

// provider is the weak lookup used by handles.
func (m *Manager) provider(id uint64) *Provider {
	return m.providers[id]
}

// loader returns the loader for b, creating and starting it if needed,
// and takes a reference on it.
func (m *Manager) acquireLoader(b *manifest.Bundle) *Loader {
	l := m.loaders[b.ID]
	if l == nil || l.Status() == op.StatusFailed {
		// a failed loader stays with the providers holding it
		l = newLoader(m, b)
		m.loaders[b.ID] = l
		m.cfg.Scheduler.Start(l)
	}
	l.refs++
	return l
}

func (m *Manager) releaseLoader(l *Loader) {
	if l.refs <= 0 {
		panic("bundle: loader " + l.bundle.ID + " released with no references")
	}
	l.refs--
}

func (m *Manager) destroyProvider(p *Provider) {
	for _, l := range p.loaders {
		m.releaseLoader(l)
	}
	p.loaders = nil
	delete(m.providers, p.id)
	if m.active[p.key] == p.id {
		delete(m.active, p.key)
	}
}

// UnloadUnused destroys finished providers which no handle refers to, and
// then closes loaders which no provider refers to. It returns the number of
// loaders closed. Calling it again without new releases does nothing.
func (m *Manager) UnloadUnused() int {
	for _, id := range m.providerIDs() {
		p := m.providers[id]
		if p.refs == 0 && p.IsDone() {
			m.destroyProvider(p)
		}
	}
	var n int
	for _, id := range m.LoaderIDs() {
		l := m.loaders[id]
		if l.refs == 0 && l.IsDone() {
			l.close()
			delete(m.loaders, id)
			n++
		}
	}
	return n
}

// UnloadAll aborts everything the package has in flight, waits for the
// providers to settle, and then destroys every provider and loader no
// matter who still refers to them. Outstanding handles become invalid.
func (m *Manager) UnloadAll() {
	n := m.cfg.Scheduler.AbortAll(m.cfg.Group)
	if n > 0 {
		log.Printf("bundle: %s: aborted %d operations", m.cfg.Group, n)
	}
	for _, id := range m.providerIDs() {
		p := m.providers[id]
		if err := m.cfg.Scheduler.WaitForCompletion(p); err != nil && err != op.ErrUserAbort {
			log.Printf("bundle: %s: %s", p.key.path, err.Error())
		}
	}
	for _, l := range m.loaders {
		l.close()
	}
	m.providers = make(map[uint64]*Provider)
	m.active = make(map[providerKey]uint64)
	m.loaders = make(map[string]*Loader)
}

// InUse reports whether a loader has bundle id open or is opening it.
func (m *Manager) InUse(id string) bool {
	_, ok := m.loaders[id]
	return ok
}

// LoaderIDs returns the bundle ids with a loader, sorted.
func (m *Manager) LoaderIDs() []string {
	result := make([]string, 0, len(m.loaders))
	for id := range m.loaders {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// LoaderRefs returns the reference count of the loader for id, or -1 if
// there is none.
func (m *Manager) LoaderRefs(id string) int {
	l, ok := m.loaders[id]
	if !ok {
		return -1
	}
	return l.refs
}

// ProviderCount returns the number of live providers.
func (m *Manager) ProviderCount() int { return len(m.providers) }

func (m *Manager) providerIDs() []uint64 {
	result := make([]uint64, 0, len(m.providers))
	for id := range m.providers {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
