// Package download fetches single files over HTTP(S) into local storage.
//
// Each fetch is a Task, an operation driven by the op scheduler. The HTTP
// request and the copy of the response body run on their own goroutine.
// The only state shared with the scheduler goroutine is a byte counter and
// a completion flag, both read atomically, so the scheduler is never
// blocked on the network.
//
// Tasks resume from a partial file when possible, rotate between a main
// and a fallback URL, and abort an attempt which stops making progress.
package download

import (
	"crypto/tls"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/certifi/gocertifi"
	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	"github.com/pkg/errors"

	"github.com/ndlib/bundo/util"
)

var (
	ErrStalled  = errors.New("download stalled")
	ErrStatus   = errors.New("unexpected http status")
	ErrDiskFull = errors.New("not enough free disk space")
	ErrTooLarge = errors.New("download larger than expected")
	ErrBadRange = errors.New("server returned the wrong range")
)

// StatusError carries the HTTP status of a failed attempt.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return ErrStatus.Error() + " " + http.StatusText(e.Code) + " from " + e.URL
}

// Cause lets errors.Cause map a StatusError to ErrStatus.
func (e *StatusError) Cause() error { return ErrStatus }

// DefaultNonResumable lists the response codes after which a partial file
// is deleted rather than resumed.
var DefaultNonResumable = []int{404, 410, 416, 500}

// Defaults for the zero values in Engine and Request.
const (
	DefaultRetryDelay = time.Second
	DefaultTimeout    = 30 * time.Second
)

// An Engine holds what is shared by every download: the HTTP client, the
// clock, the stats sink and the bandwidth limit. The zero value is usable.
// Change the fields only before the first task is created.
type Engine struct {
	// Client performs the requests. It defaults to a client which trusts
	// the certifi root certificates. It should not have an overall
	// timeout, since tasks detect stalls themselves.
	Client *http.Client

	// Clock drives stall detection and retry delays.
	Clock clock.Clock

	// Stats receives counters prefixed with "download.". May be nil.
	Stats stats.Client

	// RetryDelay is how long a task waits between attempts.
	RetryDelay time.Duration

	// NonResumable lists response codes which delete the partial file.
	// Defaults to DefaultNonResumable.
	NonResumable []int

	// RateLimit caps the combined download speed, in bytes per second.
	// Zero means no limit.
	RateLimit float64

	// CheckSpace makes tasks fail early if the temp directory does not
	// have room for the rest of the file.
	CheckSpace bool

	once sync.Once
	rate *util.RateCounter

	m     sync.Mutex
	paths map[string]bool // temp paths with a request goroutine running
}

func (e *Engine) init() {
	e.once.Do(func() {
		if e.Clock == nil {
			e.Clock = clock.New()
		}
		if e.RetryDelay == 0 {
			e.RetryDelay = DefaultRetryDelay
		}
		if e.NonResumable == nil {
			e.NonResumable = DefaultNonResumable
		}
		if e.Client == nil {
			e.Client = NewClient()
		}
		if e.RateLimit > 0 {
			e.rate = util.NewRateCounter(e.RateLimit)
		}
	})
}

// NewClient returns an HTTP client whose root certificates come from the
// certifi bundle, so TLS works on hosts with a stale or missing system
// trust store.
func NewClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	pool, err := gocertifi.CACerts()
	if err != nil {
		log.Printf("download: certifi roots: %s", err.Error())
	} else {
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &http.Client{Transport: transport}
}

// Close releases the bandwidth limiter. Tasks still running afterwards
// fail with util.ErrStopped if a limit was set.
func (e *Engine) Close() {
	e.init()
	if e.rate != nil {
		e.rate.Stop()
	}
}

// claim marks path as being written. It fails if a request goroutine,
// perhaps of an aborted task, still has the file.
func (e *Engine) claim(path string) bool {
	e.m.Lock()
	defer e.m.Unlock()
	if e.paths[path] {
		return false
	}
	if e.paths == nil {
		e.paths = make(map[string]bool)
	}
	e.paths[path] = true
	return true
}

func (e *Engine) unclaim(path string) {
	e.m.Lock()
	delete(e.paths, path)
	e.m.Unlock()
}

func (e *Engine) nonResumable(code int) bool {
	for _, c := range e.NonResumable {
		if c == code {
			return true
		}
	}
	return false
}

func (e *Engine) bump(key string, val float64) {
	stats.BumpSum(e.Stats, "download."+key, val)
}

// A Request describes one file to fetch.
type Request struct {
	ID          string // content id, for logging
	MainURL     string
	FallbackURL string // optional
	Size        int64  // expected size, or zero if unknown
	TempPath    string // where the file is written

	// Timeout is the stall window: an attempt with no new bytes for this
	// long is aborted. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Retries is the number of attempts allowed after the first.
	Retries int
}

// NewTask returns a task for req. It does nothing until started on a
// scheduler.
func (e *Engine) NewTask(req Request) *Task {
	e.init()
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	return &Task{
		e:           e,
		req:         req,
		retriesLeft: req.Retries,
	}
}
