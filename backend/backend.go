// Package backend decides where a bundle's bytes come from.
//
// A Backend answers "do I have this bundle" and "give me a reader for it",
// and knows how to make a missing bundle available. The variants are the
// builtin read-only storage shipped with the application, the on-disk
// cache filled from the network, a web sandbox kept in memory, and an
// unpack backend which copies builtin content into the cache. A package
// holds an ordered list of backends and uses the first eligible one for
// each bundle.
package backend

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"

	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/store"
)

// A Backend supplies bundle content.
type Backend interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// Eligible reports whether this backend should serve b.
	Eligible(b *manifest.Bundle) bool

	// Has reports whether b can be opened right now.
	Has(b *manifest.Bundle) bool

	// Acquire returns an operation which makes b available. It returns
	// nil if b is already available.
	Acquire(b *manifest.Bundle) Acquirer

	// Open returns a reader for the content of b, decrypted if needed.
	Open(b *manifest.Bundle) (store.ReadAtCloser, int64, error)
}

// An Acquirer is an operation which fetches or unpacks one bundle.
type Acquirer interface {
	op.Operation

	// Bundle is the bundle being acquired.
	Bundle() *manifest.Bundle

	// Downloaded returns the number of bytes transferred so far.
	Downloaded() int64
}

// A Decryptor turns the stored bytes of an encrypted bundle into its
// plain content.
type Decryptor interface {
	Decrypt(b *manifest.Bundle, data []byte) ([]byte, error)
}

// DecryptorFunc adapts a function to the Decryptor interface.
type DecryptorFunc func(b *manifest.Bundle, data []byte) ([]byte, error)

// Decrypt calls f.
func (f DecryptorFunc) Decrypt(b *manifest.Bundle, data []byte) ([]byte, error) {
	return f(b, data)
}

var (
	ErrNoBackend   = errors.New("no backend for bundle")
	ErrNoDecryptor = errors.New("bundle is encrypted and there is no decryptor")
	ErrNotPresent  = errors.New("bundle is not present")
)

// Select returns the first backend eligible for b.
func Select(backends []Backend, b *manifest.Bundle) (Backend, error) {
	for _, be := range backends {
		if be.Eligible(b) {
			return be, nil
		}
	}
	return nil, errors.Wrap(ErrNoBackend, b.ID)
}

// decrypt passes r through d if b is encrypted. The whole bundle is read
// into memory in that case.
func decrypt(r store.ReadAtCloser, size int64, b *manifest.Bundle, d Decryptor) (store.ReadAtCloser, int64, error) {
	if !b.Encrypted {
		return r, size, nil
	}
	defer r.Close()
	if d == nil {
		return nil, 0, errors.Wrap(ErrNoDecryptor, b.ID)
	}
	data, err := ioutil.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, 0, err
	}
	plain, err := d.Decrypt(b, data)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "decrypt %s", b.ID)
	}
	return nopCloser{bytes.NewReader(plain)}, int64(len(plain)), nil
}

type nopCloser struct {
	io.ReaderAt
}

func (nopCloser) Close() error { return nil }
