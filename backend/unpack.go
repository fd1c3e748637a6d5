package backend

import (
	"github.com/ndlib/bundo/cache"
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/store"
)

// Unpack copies builtin bundles into the cache before use. It suits
// builtin storage which is slow or cannot be read at random, such as an
// archive or a remote bucket. Once unpacked, bundles are opened from the
// cache.
type Unpack struct {
	Source *Builtin
	Dest   *Cache
}

var _ Backend = &Unpack{}

func (u *Unpack) Name() string { return "unpack" }

// Eligible is true for bundles the builtin storage holds.
func (u *Unpack) Eligible(b *manifest.Bundle) bool {
	return u.Dest.Has(b) || u.Source.Has(b)
}

func (u *Unpack) Has(b *manifest.Bundle) bool { return u.Dest.Has(b) }

func (u *Unpack) Acquire(b *manifest.Bundle) Acquirer {
	if u.Dest.Has(b) {
		return nil
	}
	index := u.Dest.Index
	temp, err := index.TempPath(b.ID)
	if err != nil {
		return failed(b, err)
	}
	source := func() op.Operation {
		return newCopy(u.Source.Store, b.FileName, temp)
	}
	promote := func(temp string) error {
		_, err := index.Promote(temp, b, cache.LevelMiddle)
		return err
	}
	return newFetch(b, temp, source, promote, u.Dest.Gate, u.Dest.Level)
}

// Open reads from the cache. The copy is stored as it was in the builtin
// storage, so decryption happens here if needed.
func (u *Unpack) Open(b *manifest.Bundle) (store.ReadAtCloser, int64, error) {
	return u.Dest.Open(b)
}
