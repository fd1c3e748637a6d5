package backend

import (
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/store"
)

// Builtin serves bundles shipped with the application from a read-only
// store. Bundles are keyed by file name.
type Builtin struct {
	Store store.ROStore

	// Query optionally says whether a bundle is part of the builtin
	// content. Without it, a bundle is builtin if the store has its file.
	Query func(b *manifest.Bundle) bool

	Decryptor Decryptor
}

var _ Backend = &Builtin{}

func (bi *Builtin) Name() string { return "builtin" }

func (bi *Builtin) Eligible(b *manifest.Bundle) bool {
	return bi.Has(b)
}

func (bi *Builtin) Has(b *manifest.Bundle) bool {
	if bi.Query != nil {
		return bi.Query(b)
	}
	size, err := store.Stat(bi.Store, b.FileName)
	return err == nil && (b.Size <= 0 || size == b.Size)
}

func (bi *Builtin) Acquire(b *manifest.Bundle) Acquirer { return nil }

func (bi *Builtin) Open(b *manifest.Bundle) (store.ReadAtCloser, int64, error) {
	r, size, err := bi.Store.Open(b.FileName)
	if err != nil {
		return nil, 0, err
	}
	return decrypt(r, size, b, bi.Decryptor)
}
