package store

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Memory implements a simple in-memory version of a store. It backs the web
// sandbox, where bundles are kept only for the life of the process, and is
// used throughout the tests.
type Memory struct {
	m     sync.RWMutex
	store map[string]*buf
}

var (
	// ensure Memory satisfies the Store interface
	_ Store  = &Memory{}
	_ Stater = &Memory{}
)

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{store: make(map[string]*buf)}
}

// List returns a channel giving the id for every item in the store.
//
// The list is a snapshot of the keys at the time List is called.
func (ms *Memory) List() <-chan string {
	keys, _ := ms.ListPrefix("")
	c := make(chan string)
	go func() {
		for _, k := range keys {
			c <- k
		}
		close(c)
	}()
	return c
}

// ListPrefix returns all the key entries which begin with the given prefix.
func (ms *Memory) ListPrefix(prefix string) ([]string, error) {
	var result []string
	ms.m.RLock()
	for k := range ms.store {
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	ms.m.RUnlock()
	return result, nil
}

// Open returns a ReadAtCloser and the size of the given blob.
func (ms *Memory) Open(key string) (ReadAtCloser, int64, error) {
	ms.m.RLock()
	v, ok := ms.store[key]
	ms.m.RUnlock()
	if !ok {
		return nil, 0, ErrNotExist
	}
	v.m.RLock()
	return &bufReader{v}, int64(len(v.b)), nil
}

// Stat returns the size of the given item.
func (ms *Memory) Stat(key string) (int64, error) {
	ms.m.RLock()
	v, ok := ms.store[key]
	ms.m.RUnlock()
	if !ok {
		return 0, ErrNotExist
	}
	v.m.RLock()
	defer v.m.RUnlock()
	return int64(len(v.b)), nil
}

// Size returns the total number of bytes held by the store.
func (ms *Memory) Size() int64 {
	var total int64
	ms.m.RLock()
	for _, v := range ms.store {
		v.m.RLock()
		total += int64(len(v.b))
		v.m.RUnlock()
	}
	ms.m.RUnlock()
	return total
}

// A buf holds one item. Readers hold the read lock until they are closed and
// the writer holds the write lock until it is closed, so an item is never
// read while it is still being written.
type buf struct {
	m sync.RWMutex
	b []byte
}

// bufReader is a reader over a buf. Each Open gets its own so closing one
// reader twice cannot release someone else's lock.
type bufReader struct {
	b *buf
}

func (r *bufReader) Close() error {
	if r.b != nil {
		r.b.m.RUnlock()
		r.b = nil
	}
	return nil
}

func (r *bufReader) ReadAt(p []byte, off int64) (int, error) {
	if r.b == nil {
		return 0, errors.New("read on closed item")
	}
	if off >= int64(len(r.b.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type bufWriter struct {
	b *buf
}

func (w *bufWriter) Write(p []byte) (int, error) {
	if w.b == nil {
		return 0, errors.New("write on closed item")
	}
	w.b.b = append(w.b.b, p...)
	return len(p), nil
}

func (w *bufWriter) Close() error {
	if w.b != nil {
		w.b.m.Unlock()
		w.b = nil
	}
	return nil
}

// Create makes a new entry in the store, and returns a writer to save data
// into it.
// It is an error to create an item which already exists.
func (ms *Memory) Create(key string) (io.WriteCloser, error) {
	r := &buf{}
	r.m.Lock()
	ms.m.Lock()
	defer ms.m.Unlock()
	if _, ok := ms.store[key]; ok {
		return nil, ErrKeyExists
	}
	ms.store[key] = r
	return &bufWriter{r}, nil
}

// Delete the given key from the store. It is not an error if the item does
// not exist in the store.
func (ms *Memory) Delete(key string) error {
	ms.m.Lock()
	delete(ms.store, key)
	ms.m.Unlock()
	return nil
}

// Dump writes a listing of the contents of the store to the given writer.
// This is intended for testing and debugging.
func (ms *Memory) Dump(w io.Writer) {
	ms.m.RLock()
	for k, v := range ms.store {
		v.m.RLock()
		s := v.b
		v.m.RUnlock()
		if len(s) > 300 {
			s = s[:50]
		}
		fmt.Fprintf(w, "%s: %s\n", k, string(s))
	}
	ms.m.RUnlock()
}
