package bundle

import (
	"io"
	"log"

	"github.com/pkg/errors"

	"github.com/ndlib/bundo/backend"
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/store"
)

// A Loader makes one bundle available and holds it open. It is shared by
// every provider needing the bundle.
type Loader struct {
	op.Base
	m      *Manager
	bundle *manifest.Bundle
	refs   int

	backend  backend.Backend
	acquirer backend.Acquirer

	r       store.ReadAtCloser
	size    int64
	archive *archive // nil for raw bundles
}

func newLoader(m *Manager, b *manifest.Bundle) *Loader {
	l := &Loader{m: m, bundle: b}
	l.Group = m.cfg.Group
	return l
}

// Bundle returns the bundle being loaded.
func (l *Loader) Bundle() *manifest.Bundle { return l.bundle }

func (l *Loader) OnStart() {
	be, err := l.m.cfg.Backend(l.bundle)
	if err != nil {
		l.Fail(err)
		return
	}
	l.backend = be
	if !be.Has(l.bundle) {
		l.acquirer = l.m.cfg.Acquire(be, l.bundle)
	}
}

func (l *Loader) OnUpdate() {
	if a := l.acquirer; a != nil {
		st := a.State()
		if !st.IsDone() {
			l.SetProgress(st.Progress() * 0.99)
			return
		}
		l.release()
		if st.Status() == op.StatusFailed {
			l.Fail(errors.Wrapf(st.Err(), "acquire %s", l.bundle.ID))
			return
		}
	}
	if err := l.open(); err != nil {
		l.Fail(errors.Wrapf(err, "open %s", l.bundle.ID))
		return
	}
	l.Succeed()
}

// OnAbort gives up the acquisition. It may be shared, so stopping it is
// left to its owner.
func (l *Loader) OnAbort() {
	l.release()
}

func (l *Loader) release() {
	if l.acquirer != nil && l.m.cfg.Release != nil {
		l.m.cfg.Release(l.acquirer)
	}
	l.acquirer = nil
}

func (l *Loader) open() error {
	r, size, err := l.backend.Open(l.bundle)
	if err != nil {
		return err
	}
	if !l.bundle.Raw {
		a, err := openArchive(r, size)
		if err != nil {
			r.Close()
			return err
		}
		l.archive = a
	}
	l.r = r
	l.size = size
	return nil
}

// openEntry returns a reader for an asset inside the bundle.
func (l *Loader) openEntry(name string) (io.ReadCloser, error) {
	if l.archive == nil {
		return nil, errors.Errorf("bundle %s is not an archive", l.bundle.ID)
	}
	return l.archive.open(name)
}

// section returns the whole content of the bundle.
func (l *Loader) section() *io.SectionReader {
	return io.NewSectionReader(l.r, 0, l.size)
}

// close releases the open bundle. It is safe to call more than once.
func (l *Loader) close() {
	if l.r == nil {
		return
	}
	if err := l.r.Close(); err != nil {
		log.Printf("bundle: close %s: %s", l.bundle.ID, err.Error())
	}
	l.r = nil
	l.archive = nil
}
