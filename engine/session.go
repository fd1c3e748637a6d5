package engine

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/bundo/backend"
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
)

// ErrSessionFailed is the cause of a session where some files failed.
var ErrSessionFailed = errors.New("some files failed to download")

// FileProgress is the state of one bundle in a download session.
type FileProgress struct {
	Bundle     *manifest.Bundle
	Downloaded int64
	Done       bool
	Err        error // set if the bundle failed
}

// A DownloadSession fetches a set of bundles ahead of use, a few at a
// time. It can be paused, which stops the transfers it alone is using and
// keeps their partial files for when it resumes. Bundles already
// available are counted as done from the start.
type DownloadSession struct {
	op.Base
	ID string

	p       *Package
	files   []*FileProgress
	byID    map[string]int
	pending []int // indexes of files not yet started
	running map[int]backend.Acquirer
	paused  bool
	limit   int
}

// RequestDownloaderForTags returns a session fetching every bundle with
// one of the tags.
func (p *Package) RequestDownloaderForTags(tags ...string) (*DownloadSession, error) {
	if p.manifest == nil {
		return nil, ErrNoManifest
	}
	return p.startSession(p.manifest.BundlesByTags(tags...)), nil
}

// RequestDownloaderForPaths returns a session fetching the bundles needed
// by the given asset paths, dependencies included.
func (p *Package) RequestDownloaderForPaths(paths ...string) (*DownloadSession, error) {
	if p.manifest == nil {
		return nil, ErrNoManifest
	}
	bundles, err := p.manifest.BundlesForPaths(paths...)
	if err != nil {
		return nil, err
	}
	return p.startSession(bundles), nil
}

// RequestDownloaderForAll returns a session fetching the whole manifest.
func (p *Package) RequestDownloaderForAll() (*DownloadSession, error) {
	if p.manifest == nil {
		return nil, ErrNoManifest
	}
	return p.startSession(p.manifest.AllBundles()), nil
}

// RequestDownloaderForBundles returns a session fetching the given
// bundles, such as the failed files of an earlier session.
func (p *Package) RequestDownloaderForBundles(bundles []*manifest.Bundle) *DownloadSession {
	return p.startSession(bundles)
}

func (p *Package) startSession(bundles []*manifest.Bundle) *DownloadSession {
	s := &DownloadSession{
		ID:      uuid.New().String(),
		p:       p,
		byID:    make(map[string]int),
		running: make(map[int]backend.Acquirer),
		limit:   p.opts.Concurrency,
	}
	s.Group = p.name
	for _, b := range bundles {
		if _, ok := s.byID[b.ID]; ok {
			continue
		}
		s.byID[b.ID] = len(s.files)
		s.files = append(s.files, &FileProgress{Bundle: b})
	}
	p.rt.sched.Start(s)
	return s
}

func (s *DownloadSession) OnStart() {
	for i, f := range s.files {
		if s.p.Has(f.Bundle) {
			f.Downloaded = f.Bundle.Size
			f.Done = true
			continue
		}
		s.pending = append(s.pending, i)
	}
}

func (s *DownloadSession) OnUpdate() {
	if s.paused {
		return
	}
	for len(s.running) < s.limit && len(s.pending) > 0 {
		i := s.pending[0]
		s.pending = s.pending[1:]
		s.start(i)
	}
	for _, i := range s.runningIndexes() {
		a := s.running[i]
		f := s.files[i]
		f.Downloaded = a.Downloaded()
		st := a.State()
		if !st.IsDone() {
			continue
		}
		delete(s.running, i)
		s.p.release(a)
		if st.Status() == op.StatusFailed {
			f.Err = st.Err()
		} else {
			f.Downloaded = f.Bundle.Size
		}
		f.Done = true
	}
	s.updateProgress()
	if len(s.running) > 0 || len(s.pending) > 0 {
		return
	}
	if failed := s.FailedFiles(); len(failed) > 0 {
		var ids []string
		for _, b := range failed {
			ids = append(ids, b.ID)
		}
		s.Fail(errors.Wrap(ErrSessionFailed, strings.Join(ids, ", ")))
		return
	}
	s.Succeed()
}

func (s *DownloadSession) start(i int) {
	f := s.files[i]
	be, err := s.p.backend(f.Bundle)
	if err != nil {
		f.Err = err
		f.Done = true
		return
	}
	a := s.p.acquire(be, f.Bundle)
	if a == nil {
		f.Downloaded = f.Bundle.Size
		f.Done = true
		return
	}
	s.running[i] = a
}

func (s *DownloadSession) runningIndexes() []int {
	result := make([]int, 0, len(s.running))
	for i := range s.running {
		result = append(result, i)
	}
	sort.Ints(result)
	return result
}

func (s *DownloadSession) updateProgress() {
	total := s.TotalBytes()
	if total <= 0 {
		var done int
		for _, f := range s.files {
			if f.Done {
				done++
			}
		}
		if len(s.files) > 0 {
			s.SetProgress(float64(done) / float64(len(s.files)))
		}
		return
	}
	s.SetProgress(float64(s.DownloadedBytes()) / float64(total))
}

// stopRunning gives up the transfers in flight and queues their files
// again. Transfers shared with a loader carry on.
func (s *DownloadSession) stopRunning() {
	for _, i := range s.runningIndexes() {
		s.p.release(s.running[i])
		delete(s.running, i)
		s.pending = append(s.pending, i)
	}
	sort.Ints(s.pending)
}

// OnAbort is Cancel.
func (s *DownloadSession) OnAbort() {
	s.stopRunning()
}

// Pause stops starting new files and gives up the transfers the session
// is running alone. Partial files are kept.
func (s *DownloadSession) Pause() {
	if s.paused || s.IsDone() {
		return
	}
	s.paused = true
	s.stopRunning()
}

// Resume continues a paused session.
func (s *DownloadSession) Resume() {
	s.paused = false
}

// Paused reports whether the session is paused.
func (s *DownloadSession) Paused() bool { return s.paused }

// Cancel aborts the session.
func (s *DownloadSession) Cancel() {
	s.Scheduler().Abort(s)
}

// TotalBytes returns the size of every bundle in the session.
func (s *DownloadSession) TotalBytes() int64 {
	var n int64
	for _, f := range s.files {
		n += f.Bundle.Size
	}
	return n
}

// DownloadedBytes returns the bytes available so far, counting bundles
// which were present from the start.
func (s *DownloadSession) DownloadedBytes() int64 {
	var n int64
	for _, f := range s.files {
		n += f.Downloaded
	}
	return n
}

// Files returns the per bundle progress, in request order.
func (s *DownloadSession) Files() []FileProgress {
	result := make([]FileProgress, len(s.files))
	for i, f := range s.files {
		result[i] = *f
	}
	return result
}

// File returns the progress of one bundle.
func (s *DownloadSession) File(id string) (FileProgress, bool) {
	i, ok := s.byID[id]
	if !ok {
		return FileProgress{}, false
	}
	return *s.files[i], true
}

// FailedFiles returns the bundles which failed, so they can be tried again
// with RequestDownloaderForBundles.
func (s *DownloadSession) FailedFiles() []*manifest.Bundle {
	var result []*manifest.Bundle
	for _, f := range s.files {
		if f.Err != nil {
			result = append(result, f.Bundle)
		}
	}
	return result
}
