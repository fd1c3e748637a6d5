package store

import (
	"io"
	"strings"
)

// NewWithPrefix wraps the store s by one which will prefix all its keys by
// prefix. This provides a way to namespace the keys, and to share the same
// underlying store among several packages.
func NewWithPrefix(s Store, prefix string) Store {
	return prefixstore{roprefix{s: s, p: prefix}, s}
}

// NewROWithPrefix is like NewWithPrefix for a read-only store.
func NewROWithPrefix(s ROStore, prefix string) ROStore {
	return roprefix{s: s, p: prefix}
}

type roprefix struct {
	s ROStore // the store being wrapped
	p string  // the prefix for our keys
}

type prefixstore struct {
	roprefix
	w Store
}

func (ps roprefix) List() <-chan string {
	out := make(chan string)
	in := ps.s.List()
	go func() {
		var plen = len(ps.p)
		for key := range in {
			if strings.HasPrefix(key, ps.p) {
				out <- key[plen:]
			}
		}
		close(out)
	}()
	return out
}

func (ps roprefix) ListPrefix(prefix string) ([]string, error) {
	var plen = len(ps.p)
	var result []string
	keys, err := ps.s.ListPrefix(ps.p + prefix)
	for _, key := range keys {
		if strings.HasPrefix(key, ps.p) {
			result = append(result, key[plen:])
		}
	}
	return result, err
}

func (ps roprefix) Open(key string) (ReadAtCloser, int64, error) {
	return ps.s.Open(ps.p + key)
}

func (ps roprefix) Stat(key string) (int64, error) {
	return Stat(ps.s, ps.p+key)
}

func (ps prefixstore) Create(key string) (io.WriteCloser, error) {
	return ps.w.Create(ps.p + key)
}

func (ps prefixstore) Delete(key string) error {
	return ps.w.Delete(ps.p + key)
}
