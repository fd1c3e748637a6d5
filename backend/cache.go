package backend

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/bundo/cache"
	"github.com/ndlib/bundo/download"
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/store"
	"github.com/ndlib/bundo/util"
)

// Cache serves bundles from the on-disk cache, downloading the ones which
// are missing. It is eligible for every bundle, so it usually comes last.
type Cache struct {
	Package string
	Index   *cache.Index
	Engine  *download.Engine
	Hosts   HostResolver

	// Gate bounds the verification workers. May be shared.
	Gate *util.Gate

	// Level is how thoroughly a finished download is checked before it
	// is promoted into the cache.
	Level cache.Level

	// Timeout and Retries are passed to each download.Request.
	Timeout time.Duration
	Retries int

	Decryptor Decryptor
}

var _ Backend = &Cache{}

func (c *Cache) Name() string { return "cache" }

func (c *Cache) Eligible(b *manifest.Bundle) bool { return true }

// Has is true if the index holds a record for the bundle with the same
// content hash.
func (c *Cache) Has(b *manifest.Bundle) bool {
	r, ok := c.Index.TryGetRecord(b.ID)
	return ok && (b.Hash == "" || r.Hash == b.Hash)
}

// Acquire returns a FetchOperation downloading b into the cache.
func (c *Cache) Acquire(b *manifest.Bundle) Acquirer {
	if c.Has(b) {
		return nil
	}
	temp, err := c.Index.TempPath(b.ID)
	if err != nil {
		return failed(b, err)
	}
	main, fallback := c.Hosts.URLs(c.Package, b.FileName)
	source := func() op.Operation {
		return c.Engine.NewTask(download.Request{
			ID:          b.ID,
			MainURL:     main,
			FallbackURL: fallback,
			Size:        b.Size,
			TempPath:    temp,
			Timeout:     c.Timeout,
			Retries:     c.Retries,
		})
	}
	promote := func(temp string) error {
		// the pool already did the expensive check
		_, err := c.Index.Promote(temp, b, cache.LevelMiddle)
		return err
	}
	return newFetch(b, temp, source, promote, c.Gate, c.Level)
}

func (c *Cache) Open(b *manifest.Bundle) (store.ReadAtCloser, int64, error) {
	r, ok := c.Index.TryGetRecord(b.ID)
	if !ok {
		return nil, 0, errors.Wrap(ErrNotPresent, b.ID)
	}
	f, size, err := openMapped(r.DataPath)
	if err != nil {
		return nil, 0, err
	}
	return decrypt(f, size, b, c.Decryptor)
}

// failedOperation is an Acquirer which fails as soon as it is updated.
type failedOperation struct {
	op.Base
	bundle *manifest.Bundle
	err    error
}

func failed(b *manifest.Bundle, err error) Acquirer {
	return &failedOperation{bundle: b, err: err}
}

func (f *failedOperation) OnStart()                  {}
func (f *failedOperation) OnUpdate()                 { f.Fail(f.err) }
func (f *failedOperation) OnAbort()                  {}
func (f *failedOperation) Bundle() *manifest.Bundle { return f.bundle }
func (f *failedOperation) Downloaded() int64        { return 0 }
