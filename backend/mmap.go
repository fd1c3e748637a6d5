package backend

import (
	"io"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/ndlib/bundo/store"
)

// mappedFile reads a file through a read-only memory map.
type mappedFile struct {
	m mmap.MMap
	f *os.File
}

// openMapped opens path as a memory mapped ReadAtCloser. Empty files, which
// cannot be mapped, are returned as plain files.
func openMapped(path string) (store.ReadAtCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			err = store.ErrNotExist
		}
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if fi.Size() == 0 {
		return f, 0, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return &mappedFile{m: m, f: f}, fi.Size(), nil
}

func (mf *mappedFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, os.ErrInvalid
	}
	if off >= int64(len(mf.m)) {
		return 0, io.EOF
	}
	n := copy(p, mf.m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (mf *mappedFile) Close() error {
	err := mf.m.Unmap()
	if cerr := mf.f.Close(); err == nil {
		err = cerr
	}
	return err
}
