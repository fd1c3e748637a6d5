package bundle

import (
	"io"
	"io/ioutil"
	"log"

	"github.com/pkg/errors"

	"github.com/ndlib/bundo/op"
)

var (
	// ErrInvalidHandle means the provider behind a handle is gone, either
	// because the handle was released or the package was unloaded.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrHandleReleased is returned when a handle is released twice.
	ErrHandleReleased = errors.New("handle already released")

	// ErrNotReady means the content was asked for before loading finished.
	ErrNotReady = errors.New("bundle not ready")
)

// A Handle is a caller's reference to a requested asset or raw file. It
// only records the provider's id, so using a handle after its provider was
// destroyed is detected instead of reaching freed state.
type Handle struct {
	m        *Manager
	id       uint64
	path     string
	released bool
}

func (h *Handle) provider() *Provider {
	if h == nil || h.released {
		return nil
	}
	return h.m.provider(h.id)
}

// Path returns the requested path.
func (h *Handle) Path() string { return h.path }

// IsValid reports whether the handle still refers to a live provider.
func (h *Handle) IsValid() bool { return h.provider() != nil }

// Status returns the load status. An invalid handle reports StatusFailed.
func (h *Handle) Status() op.Status {
	p := h.provider()
	if p == nil {
		return op.StatusFailed
	}
	return p.Status()
}

// Done reports whether loading has finished, successfully or not.
func (h *Handle) Done() bool {
	p := h.provider()
	return p == nil || p.IsDone()
}

// Progress returns the average progress of the bundles being loaded.
func (h *Handle) Progress() float64 {
	p := h.provider()
	if p == nil {
		return 0
	}
	return p.Progress()
}

// Err returns why loading failed, or nil.
func (h *Handle) Err() error {
	p := h.provider()
	if p == nil {
		return ErrInvalidHandle
	}
	return p.Err()
}

// LastError returns the failure message, or the empty string.
func (h *Handle) LastError() string {
	if err := h.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// Phase returns the provider's phase.
func (h *Handle) Phase() Phase {
	p := h.provider()
	if p == nil {
		return PhaseCreated
	}
	return p.Phase()
}

// Bundles returns the ids of the bundles loaded for this handle, primary
// first.
func (h *Handle) Bundles() []string {
	p := h.provider()
	if p == nil {
		return nil
	}
	return p.Bundles()
}

// Wait ticks the package's scheduler until loading finishes, and returns
// the load error. It must be called from the goroutine driving the
// scheduler.
func (h *Handle) Wait() error {
	p := h.provider()
	if p == nil {
		return ErrInvalidHandle
	}
	return h.m.cfg.Scheduler.RunUntil(p)
}

// Release gives up the handle. The content stays loaded until the
// manager's UnloadUnused runs. Releasing a handle twice logs and returns
// ErrHandleReleased.
func (h *Handle) Release() error {
	if h.released {
		log.Printf("bundle: handle for %s released twice", h.path)
		return ErrHandleReleased
	}
	h.released = true
	p := h.m.provider(h.id)
	if p == nil {
		return ErrInvalidHandle
	}
	if p.refs <= 0 {
		panic("bundle: provider for " + p.key.path + " released with no references")
	}
	p.refs--
	return nil
}

func (h *Handle) ready() (*Provider, error) {
	p := h.provider()
	if p == nil {
		return nil, ErrInvalidHandle
	}
	switch p.Status() {
	case op.StatusSucceeded:
		return p, nil
	case op.StatusFailed:
		return nil, p.Err()
	}
	return nil, ErrNotReady
}

// Open returns a reader for an asset in the primary bundle. An empty name
// opens the requested path.
func (h *Handle) Open(name string) (io.ReadCloser, error) {
	p, err := h.ready()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = h.path
	}
	return p.primary.openEntry(name)
}

// ReadAll returns the content of an asset in the primary bundle.
func (h *Handle) ReadAll(name string) ([]byte, error) {
	rc, err := h.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ioutil.ReadAll(rc)
}

// OpenRaw returns the whole content of the primary bundle. This is how raw
// files are read.
func (h *Handle) OpenRaw() (*io.SectionReader, error) {
	p, err := h.ready()
	if err != nil {
		return nil, err
	}
	return p.primary.section(), nil
}

// Names lists the entries of the primary bundle. Raw bundles have none.
func (h *Handle) Names() ([]string, error) {
	p, err := h.ready()
	if err != nil {
		return nil, err
	}
	if p.primary.archive == nil {
		return nil, nil
	}
	return p.primary.archive.names(), nil
}
