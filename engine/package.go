package engine

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/bundo/backend"
	"github.com/ndlib/bundo/bundle"
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/store"
)

// Options configure a Package. Hosts is needed for anything to be
// downloaded; the rest are optional.
type Options struct {
	// Hosts resolves the URLs of the package's files.
	Hosts backend.HostResolver

	// Builtin is read-only storage shipped with the application, keyed
	// by bundle file name. BuiltinQuery optionally decides which bundles
	// it holds.
	Builtin      store.ROStore
	BuiltinQuery func(b *manifest.Bundle) bool

	// Unpack copies builtin bundles into the cache before opening them,
	// for builtin storage which is slow to read at random.
	Unpack bool

	// Web keeps downloads in memory rather than in the disk cache.
	Web bool

	Decryptor backend.Decryptor

	// Timeout is the stall window of each download, and Retries the
	// number of further attempts after a failure. Zero Retries means
	// DefaultRetries and a negative value means none.
	Timeout time.Duration
	Retries int

	// Concurrency bounds how many bundles a download session fetches at
	// once. Defaults to DefaultConcurrency.
	Concurrency int

	// Backends replaces the backend list built from the options above.
	Backends []backend.Backend
}

// Defaults for zero Options fields.
const (
	DefaultRetries     = 3
	DefaultConcurrency = 4
)

var (
	ErrPackageExists = errors.New("package already exists")
	ErrNoManifest    = errors.New("package has no manifest")
	ErrNoHosts       = errors.New("package has no hosts")
)

// A Package serves the content of one manifest. It selects a backend for
// each bundle, shares acquisitions between loaders and download sessions,
// and remembers the last activated manifest across restarts.
type Package struct {
	rt       *Runtime
	name     string
	opts     Options
	backends []backend.Backend
	web      *backend.Web
	manifest *manifest.Manifest
	mgr      *bundle.Manager
	state    store.JSONStore

	// acquisitions in flight, by bundle id
	acquiring map[string]*acquisition
}

type acquisition struct {
	a     backend.Acquirer
	users int
}

// savedState records the active manifest, so it can be loaded without a
// network connection.
type savedState struct {
	Version string
	Hash    string
}

// NewPackage adds a package to the runtime. If an earlier run activated a
// manifest for it, that manifest is loaded again.
func (rt *Runtime) NewPackage(name string, opts Options) (*Package, error) {
	if _, ok := rt.packages[name]; ok {
		return nil, errors.Wrap(ErrPackageExists, name)
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	p := &Package{
		rt:        rt,
		name:      name,
		opts:      opts,
		state:     store.NewJSON(rt.meta),
		acquiring: make(map[string]*acquisition),
	}
	if err := p.setupBackends(); err != nil {
		return nil, err
	}
	p.mgr = bundle.NewManager(bundle.Config{
		Group:     name,
		Scheduler: rt.sched,
		Manifest:  p.Manifest,
		Backend:   p.backend,
		Acquire:   p.acquire,
		Release:   p.release,
	})
	if err := p.restore(); err != nil {
		log.Printf("%s: saved manifest: %s", name, err.Error())
	}
	rt.packages[name] = p
	return p, nil
}

func (p *Package) setupBackends() error {
	if p.opts.Backends != nil {
		p.backends = p.opts.Backends
		return nil
	}
	rt := p.rt
	var hosts backend.HostResolver = p.opts.Hosts
	if hosts == nil {
		hosts = noHosts{}
	}
	var builtin *backend.Builtin
	if p.opts.Builtin != nil {
		builtin = &backend.Builtin{
			Store:     p.opts.Builtin,
			Query:     p.opts.BuiltinQuery,
			Decryptor: p.opts.Decryptor,
		}
	}
	if p.opts.Web {
		dir := filepath.Join(rt.dir, "web")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		p.web = &backend.Web{
			Package:   p.name,
			Engine:    rt.downloads,
			Hosts:     hosts,
			Store:     store.NewMemory(),
			TempDir:   dir,
			Gate:      rt.gate,
			Level:     rt.level,
			Timeout:   p.opts.Timeout,
			Retries:   p.opts.Retries,
			Decryptor: p.opts.Decryptor,
		}
		if builtin != nil {
			p.backends = append(p.backends, builtin)
		}
		p.backends = append(p.backends, p.web)
		return nil
	}
	c := &backend.Cache{
		Package:   p.name,
		Index:     rt.index,
		Engine:    rt.downloads,
		Hosts:     hosts,
		Gate:      rt.gate,
		Level:     rt.level,
		Timeout:   p.opts.Timeout,
		Retries:   p.opts.Retries,
		Decryptor: p.opts.Decryptor,
	}
	switch {
	case builtin != nil && p.opts.Unpack:
		p.backends = append(p.backends, &backend.Unpack{Source: builtin, Dest: c})
	case builtin != nil:
		p.backends = append(p.backends, builtin)
	}
	p.backends = append(p.backends, c)
	return nil
}

// noHosts is used when a package has no hosts. Downloads fail with an
// empty URL rather than a nil pointer.
type noHosts struct{}

func (noHosts) URLs(pkg, file string) (string, string) { return "", "" }

// Name returns the package name.
func (p *Package) Name() string { return p.name }

// Manifest returns the active manifest, or nil.
func (p *Package) Manifest() *manifest.Manifest { return p.manifest }

// GetPackageVersion returns the version of the active manifest, or the
// empty string if there is none.
func (p *Package) GetPackageVersion() string {
	if p.manifest == nil {
		return ""
	}
	return p.manifest.Version
}

// LoadManifest activates an encoded manifest which the caller already
// has, such as one shipped with the application.
func (p *Package) LoadManifest(data []byte) error {
	m, err := manifest.Decode(data)
	if err != nil {
		return err
	}
	if m.Package != p.name {
		return errors.Wrapf(manifest.ErrVersionMismatch, "manifest is for package %s", m.Package)
	}
	return p.activate(m, data)
}

// activate saves the manifest and makes it the one new requests use.
// Requests already made keep the manifest they started with.
func (p *Package) activate(m *manifest.Manifest, data []byte) error {
	key := manifest.FileName(p.name, m.Version)
	err := p.rt.meta.Delete(key)
	var w io.WriteCloser
	if err == nil {
		w, err = p.rt.meta.Create(key)
	}
	if err == nil {
		_, err = w.Write(data)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}
	if err == nil {
		err = p.state.Save(p.name+".json", savedState{
			Version: m.Version,
			Hash:    manifest.HashOf(data),
		})
	}
	if err != nil {
		// still usable, just not after a restart
		log.Printf("%s: saving manifest %s: %s", p.name, m.Version, err.Error())
	}
	if p.manifest != nil {
		changed := m.Diff(p.manifest)
		log.Printf("%s: manifest %s -> %s, %d bundles changed",
			p.name, p.manifest.Version, m.Version, len(changed))
	}
	p.manifest = m
	return nil
}

// restore loads the manifest saved by an earlier activate.
func (p *Package) restore() error {
	var st savedState
	err := p.state.Open(p.name+".json", &st)
	if err == store.ErrNotExist {
		return nil
	} else if err != nil {
		return err
	}
	data, err := p.savedManifest(st.Version)
	if err != nil {
		return err
	}
	if manifest.HashOf(data) != st.Hash {
		return errors.Errorf("manifest %s does not match its hash", st.Version)
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return err
	}
	p.manifest = m
	return nil
}

// savedManifest reads the encoded manifest for version from the cache.
func (p *Package) savedManifest(version string) ([]byte, error) {
	r, size, err := p.rt.meta.Open(manifest.FileName(p.name, version))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data := make([]byte, size)
	n, err := r.ReadAt(data, 0)
	if err == io.EOF && int64(n) == size {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (p *Package) backend(b *manifest.Bundle) (backend.Backend, error) {
	return backend.Select(p.backends, b)
}

// acquire returns the operation making b available, sharing one already
// in flight. The caller must release it.
func (p *Package) acquire(be backend.Backend, b *manifest.Bundle) backend.Acquirer {
	if acq := p.acquiring[b.ID]; acq != nil && !acq.a.State().IsDone() {
		acq.users++
		return acq.a
	}
	a := be.Acquire(b)
	if a == nil {
		return nil
	}
	a.State().Group = p.name
	p.rt.sched.Start(a)
	acq := &acquisition{a: a, users: 1}
	p.acquiring[b.ID] = acq
	a.State().OnComplete(func() {
		if p.acquiring[b.ID] == acq {
			delete(p.acquiring, b.ID)
		}
	})
	return a
}

// release gives up a use of an acquisition. One nobody uses any more is
// aborted; a partial download is kept for later.
func (p *Package) release(a backend.Acquirer) {
	acq := p.acquiring[a.Bundle().ID]
	if acq == nil || acq.a != a {
		return
	}
	acq.users--
	if acq.users <= 0 && !a.State().IsDone() {
		p.rt.sched.Abort(a)
	}
}

func (p *Package) inUse(id string) bool {
	if p.mgr.InUse(id) {
		return true
	}
	acq := p.acquiring[id]
	return acq != nil && !acq.a.State().IsDone()
}

// RequestAsset starts loading the bundle holding the asset at path, and
// its dependencies. Loading happens as the runtime ticks.
func (p *Package) RequestAsset(path string) *bundle.Handle {
	return p.mgr.RequestAsset(path)
}

// RequestRawFile starts loading a raw file bundle.
func (p *Package) RequestRawFile(path string) *bundle.Handle {
	return p.mgr.RequestRaw(path)
}

// UnloadUnused closes the bundles nothing refers to any more. It returns
// the number closed.
func (p *Package) UnloadUnused() int {
	return p.mgr.UnloadUnused()
}

// UnloadAll aborts everything the package has in flight, including
// download sessions, and closes every bundle. Outstanding handles become
// invalid.
func (p *Package) UnloadAll() {
	p.mgr.UnloadAll()
	p.acquiring = make(map[string]*acquisition)
}

// ClearUnusedCache deletes cached bundles which no package's manifest
// lists and which are not in use.
func (p *Package) ClearUnusedCache() (int, int64) {
	return p.rt.ClearUnusedCache()
}

// Loaded returns the ids of the bundles with a loader, sorted.
func (p *Package) Loaded() []string {
	return p.mgr.LoaderIDs()
}

// Has reports whether b can be opened without fetching anything.
func (p *Package) Has(b *manifest.Bundle) bool {
	be, err := p.backend(b)
	return err == nil && be.Has(b)
}
