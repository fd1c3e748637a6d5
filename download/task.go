package download

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cznic/mathutil"
	"github.com/pkg/errors"

	"github.com/ndlib/bundo/op"
)

// Phase is the step a Task is in.
type Phase int

// The phases of a task. A task loops through CreateRequest, Downloading
// and TryAgain until an attempt succeeds or the retries run out.
const (
	PhaseNone Phase = iota
	PhaseCreateRequest
	PhaseDownloading
	PhaseTryAgain
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseCreateRequest:
		return "create request"
	case PhaseDownloading:
		return "downloading"
	case PhaseTryAgain:
		return "try again"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// A Task is one resumable fetch. It is an op.Operation.
type Task struct {
	op.Base

	e           *Engine
	req         Request
	phase       Phase
	attempts    int // attempts started so far
	retriesLeft int
	current     *attempt
	url         string

	// stall detection
	lastBytes  int64
	lastChange time.Time

	tryAgainAt time.Time
	lastErr    error
}

// attempt is the state shared between the scheduler goroutine and the
// goroutine doing one HTTP request. The goroutine owns every field until
// it sets done. Only n, base and done are read before that, atomically.
type attempt struct {
	n       int64 // body bytes written
	base    int64 // offset the body is written from
	done    int32
	err     error
	discard bool // the partial file should be deleted
	cancel  context.CancelFunc
}

func (a *attempt) total() int64 {
	return atomic.LoadInt64(&a.base) + atomic.LoadInt64(&a.n)
}

func (a *attempt) finished() bool {
	return atomic.LoadInt32(&a.done) == 1
}

// Request returns what this task is fetching.
func (t *Task) Request() Request { return t.req }

// Phase returns the current phase.
func (t *Task) Phase() Phase { return t.phase }

// Attempts returns the number of attempts started.
func (t *Task) Attempts() int { return t.attempts }

// RetriesLeft returns how many more attempts may be made after the current one.
func (t *Task) RetriesLeft() int { return t.retriesLeft }

// URL returns the address of the current or most recent attempt.
func (t *Task) URL() string { return t.url }

// Downloaded returns the number of bytes of the file on disk, including
// any resumed prefix.
func (t *Task) Downloaded() int64 { return t.lastBytes }

// AttemptErr returns the reason the most recent attempt failed.
func (t *Task) AttemptErr() error { return t.lastErr }

func (t *Task) OnStart() {
	t.phase = PhaseCreateRequest
}

func (t *Task) OnUpdate() {
	switch t.phase {
	case PhaseCreateRequest:
		t.createRequest()
	case PhaseDownloading:
		t.poll()
	case PhaseTryAgain:
		// the previous goroutine must let go of the file first
		if t.current != nil && !t.current.finished() {
			return
		}
		if t.e.Clock.Now().Before(t.tryAgainAt) {
			return
		}
		t.current = nil
		t.phase = PhaseCreateRequest
		t.createRequest()
	}
}

func (t *Task) OnAbort() {
	if t.current != nil {
		t.current.cancel()
	}
	t.phase = PhaseDone
}

// pickURL alternates between the main and the fallback URL.
func (t *Task) pickURL() string {
	if t.attempts%2 == 1 && t.req.FallbackURL != "" {
		return t.req.FallbackURL
	}
	return t.req.MainURL
}

func (t *Task) createRequest() {
	if !t.e.claim(t.req.TempPath) {
		// an earlier request still has the file; try next step
		return
	}
	offset, err := t.prepareFile()
	if err != nil {
		t.e.unclaim(t.req.TempPath)
		// local storage problems are not helped by retrying
		t.finish(err)
		return
	}
	t.url = t.pickURL()
	t.attempts++
	req, err := http.NewRequest("GET", t.url, nil)
	if err != nil {
		t.e.unclaim(t.req.TempPath)
		t.finish(err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	a := &attempt{base: offset, cancel: cancel}
	t.current = a
	t.lastBytes = offset
	t.lastChange = t.e.Clock.Now()
	t.phase = PhaseDownloading
	t.e.bump("attempt", 1)
	go t.e.fetch(a, req, t.req.TempPath, offset, t.req.Size)
}

// prepareFile decides where to resume from. A partial file as large as
// the whole is discarded, since it cannot be a prefix of the real one.
func (t *Task) prepareFile() (int64, error) {
	if err := os.MkdirAll(filepath.Dir(t.req.TempPath), 0775); err != nil {
		return 0, err
	}
	var offset int64
	fi, err := os.Stat(t.req.TempPath)
	switch {
	case err == nil:
		offset = fi.Size()
		if t.req.Size > 0 && offset >= t.req.Size {
			log.Printf("download: discarding oversized partial %s (%d >= %d)",
				t.req.TempPath, offset, t.req.Size)
			if err := os.Remove(t.req.TempPath); err != nil {
				return 0, err
			}
			offset = 0
		}
	case !os.IsNotExist(err):
		return 0, err
	}
	if t.e.CheckSpace && t.req.Size > 0 {
		need := mathutil.MaxInt64(t.req.Size-offset, 0)
		free, err := freeSpace(filepath.Dir(t.req.TempPath))
		if err == nil && free >= 0 && free < need {
			return 0, errors.Wrapf(ErrDiskFull, "need %d bytes, have %d in %s",
				need, free, filepath.Dir(t.req.TempPath))
		}
	}
	return offset, nil
}

func (t *Task) poll() {
	a := t.current
	now := t.e.Clock.Now()
	n := a.total()
	if n != t.lastBytes {
		if n > t.lastBytes {
			t.e.bump("bytes", float64(n-t.lastBytes))
		}
		t.lastBytes = n
		t.lastChange = now
	}
	if t.req.Size > 0 {
		t.SetProgress(float64(mathutil.MinInt64(n, t.req.Size)) / float64(t.req.Size))
	}
	if !a.finished() {
		if now.Sub(t.lastChange) >= t.req.Timeout {
			log.Printf("download: %s stalled at %d bytes", t.url, n)
			t.e.bump("stall", 1)
			a.cancel()
			t.attemptFailed(errors.Wrapf(ErrStalled, "no data for %s from %s", t.req.Timeout, t.url), false)
		}
		return
	}
	err := a.err
	if err == nil && t.req.Size > 0 && n < t.req.Size {
		err = errors.Errorf("connection closed at %d of %d bytes", n, t.req.Size)
	}
	if err != nil {
		t.attemptFailed(err, a.discard)
		return
	}
	t.e.bump("success", 1)
	t.finish(nil)
}

// attemptFailed handles the end of an unsuccessful attempt, either
// retrying or failing the task.
func (t *Task) attemptFailed(err error, discard bool) {
	t.lastErr = err
	if discard {
		os.Remove(t.req.TempPath)
		t.lastBytes = 0
	}
	if t.retriesLeft <= 0 {
		t.finish(err)
		return
	}
	t.retriesLeft--
	t.e.bump("retry", 1)
	t.tryAgainAt = t.e.Clock.Now().Add(t.e.RetryDelay)
	t.phase = PhaseTryAgain
}

func (t *Task) finish(err error) {
	t.phase = PhaseDone
	if err != nil {
		t.e.bump("failure", 1)
		t.Fail(err)
		return
	}
	t.Succeed()
}

// fetch runs on its own goroutine. It performs the request and copies the
// body into path.
func (e *Engine) fetch(a *attempt, req *http.Request, path string, offset, size int64) {
	defer e.unclaim(path)
	defer atomic.StoreInt32(&a.done, 1)
	defer a.cancel()
	resp, err := e.Client.Do(req)
	if err != nil {
		a.err = err
		return
	}
	defer resp.Body.Close()

	var flag = os.O_WRONLY | os.O_CREATE
	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			// the server ignored the range. start over.
			atomic.StoreInt64(&a.base, 0)
			offset = 0
		}
		flag |= os.O_TRUNC
	case http.StatusPartialContent:
		if start, ok := rangeStart(resp.Header.Get("Content-Range")); !ok || start != offset {
			a.err = errors.Wrapf(ErrBadRange, "asked for %d, got %q",
				offset, resp.Header.Get("Content-Range"))
			a.discard = true
			return
		}
	default:
		a.err = &StatusError{Code: resp.StatusCode, URL: req.URL.String()}
		a.discard = e.nonResumable(resp.StatusCode)
		return
	}

	f, err := os.OpenFile(path, flag, 0664)
	if err != nil {
		a.err = err
		return
	}
	if offset > 0 {
		err = f.Truncate(offset)
		if err == nil {
			_, err = f.Seek(offset, io.SeekStart)
		}
		if err != nil {
			f.Close()
			a.err = err
			return
		}
	}
	var body io.Reader = resp.Body
	if e.rate != nil {
		body = e.rate.Wrap(body)
	}
	_, err = io.Copy(&countWriter{w: f, n: &a.n}, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && size > 0 && offset+atomic.LoadInt64(&a.n) > size {
		err = errors.Wrapf(ErrTooLarge, "%d bytes, expected %d",
			offset+atomic.LoadInt64(&a.n), size)
		a.discard = true
	}
	a.err = err
}

// rangeStart parses the first byte position of a Content-Range header,
// e.g. "bytes 100-199/200".
func rangeStart(header string) (int64, bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes ") {
		return 0, false
	}
	header = strings.TrimPrefix(header, "bytes ")
	i := strings.IndexByte(header, '-')
	if i < 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(header[:i], 10, 64)
	return v, err == nil
}

type countWriter struct {
	w io.Writer
	n *int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	atomic.AddInt64(c.n, int64(n))
	return n, err
}
