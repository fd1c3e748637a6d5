package backend

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/store"
)

// copyOperation copies one item out of a read-only store into a local
// file. The copy runs on its own goroutine and reports back only through
// the byte counter and the done flag.
type copyOperation struct {
	op.Base

	src  store.ROStore
	key  string
	dest string

	n     int64
	size  int64
	done  int32
	err   error // valid once done is set
	abort int32
}

func newCopy(src store.ROStore, key, dest string) *copyOperation {
	return &copyOperation{src: src, key: key, dest: dest}
}

func (c *copyOperation) OnStart() {
	go c.run()
}

func (c *copyOperation) OnUpdate() {
	if size := atomic.LoadInt64(&c.size); size > 0 {
		c.SetProgress(float64(atomic.LoadInt64(&c.n)) / float64(size))
	}
	if atomic.LoadInt32(&c.done) == 0 {
		return
	}
	if c.err != nil {
		c.Fail(c.err)
		return
	}
	c.Succeed()
}

func (c *copyOperation) OnAbort() {
	atomic.StoreInt32(&c.abort, 1)
}

func (c *copyOperation) Downloaded() int64 {
	return atomic.LoadInt64(&c.n)
}

func (c *copyOperation) run() {
	defer atomic.StoreInt32(&c.done, 1)
	r, size, err := c.src.Open(c.key)
	if err != nil {
		c.err = err
		return
	}
	defer r.Close()
	atomic.StoreInt64(&c.size, size)
	w, err := os.Create(c.dest)
	if err != nil {
		c.err = err
		return
	}
	_, err = io.Copy(w, &abortReader{r: store.NewReader(r), c: c})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	c.err = err
}

type abortReader struct {
	r io.Reader
	c *copyOperation
}

func (a *abortReader) Read(p []byte) (int, error) {
	if atomic.LoadInt32(&a.c.abort) == 1 {
		return 0, op.ErrUserAbort
	}
	n, err := a.r.Read(p)
	atomic.AddInt64(&a.c.n, int64(n))
	return n, err
}
