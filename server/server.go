// Package server is a small HTTP host for package content: manifests,
// their hash and version files, and bundle files. It is meant for
// development and tests, standing in for a CDN.
//
// Files are served at /content/:package/:file with range support, so
// interrupted downloads can resume against it.
package server

import (
	"expvar"
	"log"
	"net/http"
	"sync"

	"github.com/facebookgo/httpdown"

	"github.com/ndlib/bundo/store"
)

// Version is reported by the welcome route.
var Version = "dev"

var (
	xServed = expvar.NewInt("server.files")
	xBytes  = expvar.NewInt("server.bytes")
	xMissed = expvar.NewInt("server.missing")
)

// ContentServer holds the configuration for a content host.
//
// Set the public fields and then call Run. Do not change any fields after
// calling Run.
type ContentServer struct {
	// Port number to listen on. Defaults to 14400.
	PortNumber string

	// Location is where package content is kept, parsed by ParseLocation.
	// Each package lives under Location with the package name appended.
	// An empty Location keeps everything in memory.
	Location string

	// Stores, if set, overrides Location. It returns the store holding a
	// package's files.
	Stores func(pkg string) (store.Store, error)

	server httpdown.Server // used to close our listening socket

	m      sync.Mutex
	stores map[string]store.Store
	memory *store.Memory // shared by every package when Location is empty
}

// Run starts listening and blocks handling requests until Stop is called.
func (s *ContentServer) Run() error {
	if s.PortNumber == "" {
		s.PortNumber = "14400"
	}
	log.Printf("Starting content server version %s", Version)
	log.Printf("Location = %q", s.Location)
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.Handler(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop will stop the server and return once the listening socket is
// closed and the open requests have finished.
func (s *ContentServer) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Stop()
}

// Package returns the store for pkg, opening it the first time.
func (s *ContentServer) Package(pkg string) (store.Store, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if st, ok := s.stores[pkg]; ok {
		return st, nil
	}
	var st store.Store
	if s.Stores != nil {
		var err error
		st, err = s.Stores(pkg)
		if err != nil {
			return nil, err
		}
	} else if s.Location == "" {
		if s.memory == nil {
			s.memory = store.NewMemory()
		}
		st = store.NewWithPrefix(s.memory, pkg+"/")
	} else {
		st = ParseLocation(s.Location, pkg)
		if st == nil {
			return nil, ErrBadLocation
		}
	}
	if s.stores == nil {
		s.stores = make(map[string]store.Store)
	}
	s.stores[pkg] = st
	return st, nil
}
