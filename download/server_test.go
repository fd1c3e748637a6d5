package download

import (
	"bytes"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"
)

// An ErrorServer wraps another http.Handler and injects errors as
// described by a given playbook. A playbook is given by calling
// Reset(). Each call to ServeHTTP on the server increments a count
// starting at 0. A play gives a count to activate, and when the
// server reaches that count it will return the given Status and
// Body. Otherwise, requests are passed on to the wrapped handler.
// This is safe for concurrent use.
type ErrorServer struct {
	h http.Handler

	m        sync.Mutex
	count    int
	playbook []Play
	ranges   []string // Range header of each request
}

type Play struct {
	When   int
	Status int
	Body   string
	Short  int // if > 0, send only this many bytes of the real content
}

func (s *ErrorServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.m.Lock()
	count := s.count
	s.count++
	s.ranges = append(s.ranges, req.Header.Get("Range"))
	log.Printf("(%d) %s %s %s\n", count, req.Method, req.URL, req.Header.Get("Range"))
	for len(s.playbook) > 0 && s.playbook[0].When <= count {
		p := s.playbook[0]
		s.playbook = s.playbook[1:]
		if p.When < count {
			// more than one play had same count. Ignore the rest.
			continue
		}
		s.m.Unlock()
		if p.Short > 0 {
			s.h.ServeHTTP(&shortWriter{ResponseWriter: w, left: p.Short}, req)
			return
		}
		w.WriteHeader(p.Status)
		w.Write([]byte(p.Body))
		return
	}
	s.m.Unlock()
	s.h.ServeHTTP(w, req)
}

func (s *ErrorServer) Reset(playbook []Play) {
	s.m.Lock()
	s.count = 0
	s.ranges = nil
	s.playbook = playbook[:]
	sort.Sort(ByWhen(s.playbook))
	s.m.Unlock()
}

// Ranges returns the Range header sent with each request so far.
func (s *ErrorServer) Ranges() []string {
	s.m.Lock()
	defer s.m.Unlock()
	return append([]string{}, s.ranges...)
}

type ByWhen []Play

func (p ByWhen) Len() int           { return len(p) }
func (p ByWhen) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p ByWhen) Less(i, j int) bool { return p[i].When < p[j].When }

// shortWriter drops everything after the first left bytes of the body,
// so the client sees a connection closed early.
type shortWriter struct {
	http.ResponseWriter
	left int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if w.left <= 0 {
		return 0, http.ErrHandlerTimeout
	}
	if len(p) > w.left {
		p = p[:w.left]
	}
	n, err := w.ResponseWriter.Write(p)
	w.left -= n
	if w.left <= 0 {
		return n, http.ErrHandlerTimeout
	}
	return n, err
}

// contentHandler serves data at every path, honoring Range requests.
func contentHandler(data []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	})
}

// ignoreRangeHandler always answers with the whole file.
func ignoreRangeHandler(data []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	})
}
