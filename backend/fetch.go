package backend

import (
	"log"
	"os"

	"github.com/pkg/errors"

	"github.com/ndlib/bundo/cache"
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/util"
)

// FetchOperation fills a temp file from some source, verifies it on the
// worker pool, and then hands it to a promote function. Content which
// arrives complete but wrong is fetched again, once.
type FetchOperation struct {
	op.Base

	bundle  *manifest.Bundle
	temp    string
	source  func() op.Operation
	promote func(temp string) error
	gate    *util.Gate
	level   cache.Level

	state      fetchState
	child      op.Operation
	verify     *cache.VerifyOperation
	refetches  int
	downloaded int64
}

type fetchState int

const (
	fetchSource fetchState = iota
	fetchVerify
)

// DefaultRefetches is how many times a bundle failing verification after a
// complete transfer is fetched again.
const DefaultRefetches = 1

func newFetch(b *manifest.Bundle, temp string, source func() op.Operation,
	promote func(string) error, gate *util.Gate, level cache.Level) *FetchOperation {
	return &FetchOperation{
		bundle:    b,
		temp:      temp,
		source:    source,
		promote:   promote,
		gate:      gate,
		level:     level,
		refetches: DefaultRefetches,
	}
}

// Bundle returns the bundle being fetched.
func (f *FetchOperation) Bundle() *manifest.Bundle { return f.bundle }

// Downloaded returns the bytes transferred so far.
func (f *FetchOperation) Downloaded() int64 {
	if f.Status() == op.StatusSucceeded {
		return f.bundle.Size
	}
	if c, ok := f.child.(interface{ Downloaded() int64 }); ok && f.state == fetchSource {
		return c.Downloaded()
	}
	return f.downloaded
}

func (f *FetchOperation) OnStart() {
	f.child = f.source()
	f.child.State().Group = f.Group
}

func (f *FetchOperation) OnUpdate() {
	switch f.state {
	case fetchSource:
		done := f.Scheduler().Drive(f.child)
		f.SetProgress(0.9 * f.child.State().Progress())
		if !done {
			return
		}
		if err := f.child.State().Err(); err != nil {
			f.Fail(errors.Wrapf(err, "fetch %s", f.bundle.ID))
			return
		}
		f.downloaded = f.bundle.Size
		f.verify = cache.NewVerifyOperation(f.gate, f.level, []*cache.VerifyJob{{
			ID:   f.bundle.ID,
			Path: f.temp,
			Size: f.bundle.Size,
			Hash: f.bundle.Hash,
			CRC:  f.bundle.CRC,
		}})
		f.verify.Group = f.Group
		f.state = fetchVerify
	case fetchVerify:
		if !f.Scheduler().Drive(f.verify) {
			return
		}
		if err := f.verify.Err(); err != nil {
			f.Fail(err)
			return
		}
		result, _ := f.verify.Jobs[0].Result()
		if result != cache.ResultSucceed {
			f.verifyFailed(result)
			return
		}
		if err := f.promote(f.temp); err != nil {
			f.Fail(err)
			return
		}
		f.Succeed()
	}
}

func (f *FetchOperation) verifyFailed(result cache.Result) {
	verr := &cache.VerifyError{ID: f.bundle.ID, Result: result}
	if result == cache.ResultException || result == cache.ResultNotExisted {
		f.Fail(verr)
		return
	}
	// the content is complete and wrong, so resuming cannot help
	os.Remove(f.temp)
	if f.refetches <= 0 {
		f.Fail(verr)
		return
	}
	log.Printf("backend: %s, fetching again", verr.Error())
	f.refetches--
	f.downloaded = 0
	f.child = f.source()
	f.child.State().Group = f.Group
	f.state = fetchSource
}

func (f *FetchOperation) OnAbort() {
	s := f.Scheduler()
	if f.child != nil && !f.child.State().IsDone() && s != nil {
		s.Abort(f.child)
	}
	if f.verify != nil && !f.verify.IsDone() && s != nil {
		s.Abort(f.verify)
	}
}
