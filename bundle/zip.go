package bundle

import (
	"archive/zip"
	"io"

	"github.com/pkg/errors"

	"github.com/ndlib/bundo/store"
)

// ErrNoEntry means an asset is not in the bundle.
var ErrNoEntry = errors.New("no such entry in bundle")

// archive is an opened zip bundle whose entries are asset paths.
type archive struct {
	*zip.Reader
	entries map[string]*zip.File
}

func openArchive(r store.ReadAtCloser, size int64) (*archive, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}
	a := &archive{
		Reader:  zr,
		entries: make(map[string]*zip.File, len(zr.File)),
	}
	for _, f := range zr.File {
		a.entries[f.Name] = f
	}
	return a, nil
}

// open returns a reader for the entry name.
func (a *archive) open(name string) (io.ReadCloser, error) {
	f, ok := a.entries[name]
	if !ok {
		return nil, errors.Wrap(ErrNoEntry, name)
	}
	return f.Open()
}

// names lists the entries in archive order.
func (a *archive) names() []string {
	result := make([]string, 0, len(a.File))
	for _, f := range a.File {
		result = append(result, f.Name)
	}
	return result
}

// A Writer makes a bundle archive. Entries are stored uncompressed, since
// bundle content is usually compressed already and stored entries can be
// read without inflating.
type Writer struct {
	f           io.Closer // optional underlying stream, closed by Close
	*zip.Writer           // the zip interface over the bundle file
}

// NewWriter returns a Writer writing to w. If w is an io.Closer it is
// closed by Close.
func NewWriter(w io.Writer) *Writer {
	zw := &Writer{Writer: zip.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		zw.f = c
	}
	return zw
}

// MakeStream starts a new entry and returns a writer for its content.
func (zw *Writer) MakeStream(name string) (io.Writer, error) {
	header := zip.FileHeader{
		Name:   name,
		Method: zip.Store,
	}
	return zw.CreateHeader(&header)
}

// Add writes a whole entry.
func (zw *Writer) Add(name string, data []byte) error {
	w, err := zw.MakeStream(name)
	if err == nil {
		_, err = w.Write(data)
	}
	return err
}

// Close finishes the archive and closes the underlying stream, if any.
func (zw *Writer) Close() error {
	err := zw.Writer.Close()
	if err == nil && zw.f != nil {
		err = zw.f.Close()
	}
	return err
}
