// Package engine ties the scheduler, the cache and the bundle graph into a
// runtime serving content packages.
//
// A Runtime owns the single scheduler, the cache index shared by every
// package, the verification worker pool and the download engine. Each
// Package scopes the manifest, backends, loaders and providers of one
// content package. Everything is driven by calling Runtime.Tick from one
// goroutine; none of the types here are safe for concurrent use.
package engine

import (
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/ndlib/bundo/cache"
	"github.com/ndlib/bundo/download"
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/store"
	"github.com/ndlib/bundo/util"
)

// Config holds the settings of a Runtime. Only CacheDir is needed; the
// rest have usable zero values.
type Config struct {
	// CacheDir is where downloaded bundles and manifests are kept. If it
	// is empty a temporary directory is made and removed by Close.
	CacheDir string

	// Database holds the cache records. If nil an internal database file
	// is placed inside CacheDir. See OpenDatabase.
	Database cache.RecordDB

	// Scheduler configures the operation scheduler.
	Scheduler op.Config

	// Downloads is shared by every download. Defaults to a zero Engine.
	Downloads *download.Engine

	// VerifyWorkers bounds concurrent file verification. Defaults to
	// cache.DefaultVerifyWorkers.
	VerifyWorkers int

	// Level is how thoroughly content is checked after a download and
	// when the cache is scanned at start up. The zero value only checks
	// that files exist; most callers want cache.LevelHigh.
	Level cache.Level
}

// A Runtime is the process wide context: one scheduler, one cache, and
// the packages using them.
type Runtime struct {
	sched     *op.Scheduler
	index     *cache.Index
	meta      *store.FileSystem // saved manifests
	gate      *util.Gate
	downloads *download.Engine
	level     cache.Level
	dir       string
	tempDir   bool

	packages map[string]*Package
}

// OpenDatabase returns a record database for the cache at dir. A dial
// string starting with "mysql:" connects to a MySQL server, "memory" keeps
// records in memory, and anything else uses an internal database file in
// dir.
func OpenDatabase(dir, dial string) (cache.RecordDB, error) {
	switch {
	case dial == "memory":
		return cache.NewMemoryDB(), nil
	case len(dial) > 6 && dial[:6] == "mysql:":
		log.Printf("Using MySQL")
		return cache.NewMysqlDB(dial[6:])
	}
	path := filepath.Join(dir, "records.ql")
	log.Printf("Using internal database at %s", path)
	return cache.NewQlDB(path)
}

// New makes a runtime. Call Initialize before requesting content so that
// what earlier runs left in the cache is found.
func New(cfg Config) (*Runtime, error) {
	rt := &Runtime{
		dir:       cfg.CacheDir,
		level:     cfg.Level,
		downloads: cfg.Downloads,
		packages:  make(map[string]*Package),
	}
	if rt.dir == "" {
		dir, err := ioutil.TempDir("", "bundo")
		if err != nil {
			return nil, err
		}
		rt.dir = dir
		rt.tempDir = true
	}
	if rt.downloads == nil {
		rt.downloads = &download.Engine{}
	}
	for _, sub := range []string{"bundles", "manifests", "tmp"} {
		if err := os.MkdirAll(filepath.Join(rt.dir, sub), 0755); err != nil {
			return nil, errors.Wrap(err, "engine")
		}
	}
	db := cfg.Database
	if db == nil {
		var err error
		db, err = OpenDatabase(rt.dir, "")
		if err != nil {
			return nil, err
		}
	}
	if cfg.Scheduler.Clock == nil {
		cfg.Scheduler.Clock = rt.downloads.Clock
	}
	rt.sched = op.New(cfg.Scheduler)
	rt.index = cache.NewIndex(store.NewFileSystem(filepath.Join(rt.dir, "bundles")), db)
	rt.index.SetClock(rt.sched.Clock())
	rt.index.SetInUse(rt.inUse)
	rt.meta = store.NewFileSystem(filepath.Join(rt.dir, "manifests"))
	n := cfg.VerifyWorkers
	if n <= 0 {
		n = cache.DefaultVerifyWorkers
	}
	rt.gate = util.NewGate(n)
	return rt, nil
}

// Scheduler returns the scheduler. Tick it, or call Tick on the runtime.
func (rt *Runtime) Scheduler() *op.Scheduler { return rt.sched }

// Index returns the cache index.
func (rt *Runtime) Index() *cache.Index { return rt.index }

// Downloads returns the download engine.
func (rt *Runtime) Downloads() *download.Engine { return rt.downloads }

// Dir returns the cache directory.
func (rt *Runtime) Dir() string { return rt.dir }

// Tick advances every operation by one step.
func (rt *Runtime) Tick() { rt.sched.Tick() }

// Initialize starts a scan of the cache directory, pairing the files found
// with their records and verifying them. Bundles named by the manifests of
// packages which already exist are kept even without a record.
func (rt *Runtime) Initialize() *cache.FindOperation {
	find := cache.NewFindOperation(rt.index, rt.level, rt.gate)
	find.Expect = rt.expect
	find.Priority = 10
	rt.sched.Start(find)
	find.OnComplete(func() {
		if err := find.Err(); err != nil {
			log.Printf("cache scan: %s", err.Error())
			return
		}
		log.Printf("cache scan: %d cached, %d partial, %d orphans, %d dropped, %d invalid",
			rt.index.Len(), find.Partials, find.Orphans, find.Dropped, find.Invalid)
	})
	return find
}

func (rt *Runtime) expect(id string) *manifest.Bundle {
	for _, p := range rt.packages {
		if m := p.Manifest(); m != nil {
			if b := m.Bundle(id); b != nil {
				return b
			}
		}
	}
	return nil
}

// inUse keeps bundles which are loaded or being fetched out of the
// cache's eviction candidates.
func (rt *Runtime) inUse(id string) bool {
	for _, p := range rt.packages {
		if p.inUse(id) {
			return true
		}
	}
	return false
}

// Package returns the package with the given name, or nil.
func (rt *Runtime) Package(name string) *Package {
	return rt.packages[name]
}

// Packages returns the names of the packages, sorted.
func (rt *Runtime) Packages() []string {
	var result []string
	for name := range rt.packages {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// ClearUnusedCache deletes cached bundles which no package's active
// manifest lists and which are not in use. It returns how many bundles
// were deleted and the bytes freed.
func (rt *Runtime) ClearUnusedCache() (int, int64) {
	return rt.evict(rt.expected, -1)
}

// TrimCache deletes the least recently verified bundles not in use until
// the cache holds at most limit bytes, even ones the active manifests
// list. It returns how many bundles were deleted and the bytes freed.
func (rt *Runtime) TrimCache(limit int64) (int, int64) {
	return rt.evict(nil, limit)
}

func (rt *Runtime) expected(id string) bool {
	return rt.expect(id) != nil
}

func (rt *Runtime) evict(keep func(string) bool, limit int64) (int, int64) {
	var n int
	var freed int64
	for _, r := range rt.index.Candidates(keep) {
		if limit >= 0 && rt.index.Size() <= limit {
			break
		}
		if err := rt.index.Discard(r.ID); err != nil {
			log.Printf("evict %s: %s", r.ID, err.Error())
			continue
		}
		n++
		freed += r.Size
	}
	if n > 0 {
		log.Printf("cache: removed %d bundles, %d bytes", n, freed)
	}
	return n, freed
}

// Close unloads every package and stops the worker pool and the download
// engine. A temporary cache directory is removed.
func (rt *Runtime) Close() error {
	for _, name := range rt.Packages() {
		rt.packages[name].UnloadAll()
	}
	rt.gate.Stop()
	rt.downloads.Close()
	var err error
	if c, ok := rt.index.DB().(io.Closer); ok {
		err = c.Close()
	}
	if rt.tempDir {
		if rerr := os.RemoveAll(rt.dir); err == nil {
			err = rerr
		}
	}
	return err
}
