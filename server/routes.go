package server

import (
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ndlib/bundo/store"
)

// ErrBadLocation means a package store could not be opened.
var ErrBadLocation = errors.New("cannot open content location")

// Handler returns the routes of the server.
func (s *ContentServer) Handler() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/content/:package/:file", s.FileHandler},
		{"HEAD", "/content/:package/:file", s.FileHandler},
		{"PUT", "/content/:package/:file", s.PutHandler},
		{"GET", "/content/:package", s.ListHandler},

		// other
		{"GET", "/", WelcomeHandler},
		{"GET", "/debug/vars", VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, logWrapper(route.handler))
	}
	return r
}

// FileHandler handles GET and HEAD requests to "/content/:package/:file".
// Range requests are honored.
func (s *ContentServer) FileHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pkg := ps.ByName("package")
	name := ps.ByName("file")
	st, err := s.Package(pkg)
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err)
		return
	}
	data, size, err := st.Open(name)
	if err == store.ErrNotExist {
		xMissed.Add(1)
		w.WriteHeader(404)
		fmt.Fprintln(w, err)
		return
	} else if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err)
		return
	}
	defer data.Close()
	xServed.Add(1)
	cw := &countWriter{ResponseWriter: w}
	http.ServeContent(cw, r, name, time.Time{}, io.NewSectionReader(data, 0, size))
	xBytes.Add(cw.n)
}

// PutHandler handles PUT requests to "/content/:package/:file". An existing
// file is replaced.
func (s *ContentServer) PutHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pkg := ps.ByName("package")
	name := ps.ByName("file")
	st, err := s.Package(pkg)
	if err == nil {
		err = st.Delete(name)
	}
	var out io.WriteCloser
	if err == nil {
		out, err = st.Create(name)
	}
	if err == nil {
		_, err = io.Copy(out, r.Body)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		log.Printf("PUT %s/%s: %s", pkg, name, err.Error())
		w.WriteHeader(500)
		fmt.Fprintln(w, err)
		return
	}
	w.WriteHeader(201)
}

// ListHandler handles GET requests to "/content/:package". It returns the
// file names as a JSON list.
func (s *ContentServer) ListHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	st, err := s.Package(ps.ByName("package"))
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err)
		return
	}
	result := []string{}
	for key := range st.List() {
		result = append(result, key)
	}
	sort.Strings(result)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.Encode(result) // ignore any error
}

// WelcomeHandler reports the server version.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Bundo content server (%s)\n", Version)
}

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}

type countWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.n += int64(n)
	return n, err
}
