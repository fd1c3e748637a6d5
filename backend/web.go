package backend

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/bundo/cache"
	"github.com/ndlib/bundo/download"
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/store"
	"github.com/ndlib/bundo/util"
)

// Web keeps downloaded bundles in memory, for hosts without a writable
// persistent disk. Each download passes through a scratch file in TempDir
// so it can be resumed and verified like any other. The scratch file is
// removed once its content is kept.
type Web struct {
	Package string
	Engine  *download.Engine
	Hosts   HostResolver
	Store   *store.Memory
	TempDir string // defaults to os.TempDir()
	Gate    *util.Gate
	Level   cache.Level
	Timeout time.Duration
	Retries int

	Decryptor Decryptor
}

var _ Backend = &Web{}

func (w *Web) Name() string { return "web" }

func (w *Web) Eligible(b *manifest.Bundle) bool { return true }

func (w *Web) Has(b *manifest.Bundle) bool {
	_, err := w.Store.Stat(b.ID)
	return err == nil
}

func (w *Web) Acquire(b *manifest.Bundle) Acquirer {
	if w.Has(b) {
		return nil
	}
	temp, err := w.TempPath(b.ID)
	if err != nil {
		return failed(b, err)
	}
	main, fallback := w.Hosts.URLs(w.Package, b.FileName)
	source := func() op.Operation {
		return w.Engine.NewTask(download.Request{
			ID:          b.ID,
			MainURL:     main,
			FallbackURL: fallback,
			Size:        b.Size,
			TempPath:    temp,
			Timeout:     w.Timeout,
			Retries:     w.Retries,
		})
	}
	return newFetch(b, temp, source, func(temp string) error {
		return w.keep(b, temp)
	}, w.Gate, w.Level)
}

// TempPath returns the scratch file for a bundle. The name only depends on
// the package and bundle id, so an interrupted download resumes from the
// bytes already on disk.
func (w *Web) TempPath(id string) (string, error) {
	dir := w.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "bundo-"+w.Package+"-"+id+cache.TempSuffix), nil
}

// keep moves the verified scratch file into the memory store.
func (w *Web) keep(b *manifest.Bundle, temp string) error {
	defer os.Remove(temp)
	in, err := os.Open(temp)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := w.Store.Create(b.ID)
	if err != nil {
		if err == store.ErrKeyExists {
			return nil
		}
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *Web) Open(b *manifest.Bundle) (store.ReadAtCloser, int64, error) {
	r, size, err := w.Store.Open(b.ID)
	if err != nil {
		return nil, 0, errors.Wrap(err, b.ID)
	}
	return decrypt(r, size, b, w.Decryptor)
}

// Discard forgets a bundle kept in memory.
func (w *Web) Discard(id string) error {
	return w.Store.Delete(id)
}
