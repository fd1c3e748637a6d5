// Package store provides a simple, goroutine safe key-value interface. Instead
// of values being an opaque array of bytes, though, they are a stream. This
// approach allows large bundle files to be stored easily.
//
// The FileSystem store backs the local bundle cache. The S3 store is used
// as a read-only source of builtin content or as the origin for a content
// host. The Memory store is useful for testing and for the web sandbox.
package store

import (
	"errors"
	"io"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store defines the basic stream based key-value store.
// Items are immutable once stored, but they may be deleted and then replaced
// with a new value.
//
// Since the FileSystem store uses the key as file names, keys should not
// contain forbidden filesystem characters, such as '/'.
//
// Open() returns a ReadAtCloser instead of a ReadCloser so a bundle can be
// handed directly to a zip reader.
type Store interface {
	ROStore
	Create(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ROStore is the read-only pieces of a Store. It allows one to list contents,
// and to retrieve data.
type ROStore interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Open(key string) (ReadAtCloser, int64, error)
}

// A Stater can report the size of an item without opening it. Stat returns
// ErrNotExist if there is no such item.
type Stater interface {
	Stat(key string) (int64, error)
}

var (
	// ErrNotExist is returned when an item is not in a store.
	ErrNotExist = errors.New("Key does not exist")

	// ErrKeyExists indicates an attempt to create a key which already exists
	ErrKeyExists = errors.New("Key already exists")
)

// Stat returns the size of the item key in s. If s is not a Stater the item
// is opened and closed again.
func Stat(s ROStore, key string) (int64, error) {
	if st, ok := s.(Stater); ok {
		return st.Stat(key)
	}
	rac, size, err := s.Open(key)
	if err != nil {
		return 0, err
	}
	rac.Close()
	return size, nil
}

// NewReader converts a ReaderAt into a io.Reader. It is here as a utility to
// help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// reading less than a full buffer is not an error for
		// an io.Reader
		err = nil
	}
	return
}
