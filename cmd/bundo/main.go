package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/bundo/cache"
	"github.com/ndlib/bundo/download"
	"github.com/ndlib/bundo/engine"
	"github.com/ndlib/bundo/server"
)

var (
	configFile = flag.String("config", "", "TOML configuration file")
	cacheDir   = flag.String("cache", "", "cache directory, overrides the configuration")
	location   = flag.String("s", "", "content location for serve and put, e.g. file:/srv or s3:/bucket")
	port       = flag.String("port", "", "port for serve")
	usage      = `
bundo <command> <command arguments>

Possible commands:
    serve

    put <package> <file list>

    fetch <package> [asset paths]

    cache

    clear

    trim <byte limit>
`
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalln(err)
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	if *location != "" {
		cfg.Location = *location
	}
	if *port != "" {
		cfg.Port = *port
	}
	if cfg.Sentry != "" {
		raven.SetDSN(cfg.Sentry)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return
	}

	switch args[0] {
	case "serve":
		err = doserve(cfg)
	case "put":
		if len(args) < 3 {
			flag.Usage()
			return
		}
		err = doput(cfg, args[1], args[2:])
	case "fetch":
		if len(args) < 2 {
			flag.Usage()
			return
		}
		err = dofetch(cfg, args[1], args[2:])
	case "cache":
		err = docache(cfg)
	case "clear":
		err = doclear(cfg)
	case "trim":
		if len(args) < 2 {
			flag.Usage()
			return
		}
		err = dotrim(cfg, args[1])
	default:
		flag.Usage()
		return
	}
	if err != nil {
		raven.CaptureErrorAndWait(err, map[string]string{"command": args[0]})
		log.Fatalln(err)
	}
}

func doserve(cfg *config) error {
	s := &server.ContentServer{
		PortNumber: cfg.Port,
		Location:   cfg.Location,
	}
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("Received signal, stopping")
		s.Stop()
	}()
	return s.Run()
}

// doput copies local files into a package at the content location.
func doput(cfg *config, pkg string, files []string) error {
	st := server.ParseLocation(cfg.Location, pkg)
	if st == nil {
		return server.ErrBadLocation
	}
	for _, fname := range files {
		key := filepath.Base(fname)
		in, err := os.Open(fname)
		if err != nil {
			return err
		}
		st.Delete(key)
		out, err := st.Create(key)
		if err == nil {
			_, err = io.Copy(out, in)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
		}
		in.Close()
		if err != nil {
			return err
		}
		fmt.Printf("%s/%s\n", pkg, key)
	}
	return nil
}

// openRuntime makes a runtime with every configured package.
func openRuntime(cfg *config) (*engine.Runtime, error) {
	level, err := cfg.level()
	if err != nil {
		return nil, err
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("no cache directory given")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, err
	}
	var db cache.RecordDB
	if cfg.Database != "" {
		db, err = engine.OpenDatabase(cfg.CacheDir, cfg.Database)
		if err != nil {
			return nil, err
		}
	}
	rt, err := engine.New(engine.Config{
		CacheDir:      cfg.CacheDir,
		Database:      db,
		Level:         level,
		VerifyWorkers: cfg.Workers,
		Downloads: &download.Engine{
			RateLimit:  cfg.RateLimit,
			CheckSpace: cfg.CheckSpace,
		},
	})
	if err != nil {
		return nil, err
	}
	for name, pc := range cfg.Packages {
		opts := engine.Options{
			Hosts:   pc.hosts(),
			Unpack:  pc.Unpack,
			Timeout: cfg.Timeout.Duration,
			Retries: cfg.Retries,
		}
		if pc.Builtin != "" {
			opts.Builtin = server.ParseLocation(pc.Builtin, "")
		}
		if _, err := rt.NewPackage(name, opts); err != nil {
			rt.Close()
			return nil, err
		}
	}
	if err := rt.Scheduler().RunUntil(rt.Initialize()); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// dofetch brings a package up to date and downloads the bundles for the
// given assets, or the whole package.
func dofetch(cfg *config, pkg string, paths []string) error {
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	p := rt.Package(pkg)
	if p == nil {
		return fmt.Errorf("package %s is not configured", pkg)
	}
	sched := rt.Scheduler()

	v := p.UpdatePackageVersion()
	if err := sched.RunUntil(v); err != nil {
		log.Printf("%s: no version file (%s), using %q", pkg, err.Error(), p.GetPackageVersion())
	} else if v.Version() != p.GetPackageVersion() {
		m := p.UpdateManifestAsync(v.Version())
		if err := sched.RunUntil(m); err != nil {
			return err
		}
		log.Printf("%s: now at version %s, %d bundles changed", pkg, v.Version(), len(m.Changed))
	}

	var s *engine.DownloadSession
	if len(paths) == 0 {
		s, err = p.RequestDownloaderForAll()
	} else {
		s, err = p.RequestDownloaderForPaths(paths...)
	}
	if err != nil {
		return err
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for !s.IsDone() {
		rt.Tick()
		select {
		case <-ticker.C:
			fmt.Printf("%s: %d / %d bytes\n", s.ID, s.DownloadedBytes(), s.TotalBytes())
		case <-time.After(5 * time.Millisecond):
		}
	}
	rt.Tick()
	for _, b := range s.FailedFiles() {
		f, _ := s.File(b.ID)
		fmt.Printf("failed %s (%s): %v\n", b.ID, b.FileName, f.Err)
	}
	return s.Err()
}

// docache lists the cached bundles.
func docache(cfg *config) error {
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	index := rt.Index()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "ID\tSize\tVerified\tHash\n")
	for _, id := range index.IDs() {
		r, _ := index.TryGetRecord(id)
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.ID, r.Size, r.VerifyTime.Format(time.RFC3339), r.Hash)
	}
	fmt.Fprintf(w, "total\t%d\t\t\n", index.Size())
	return w.Flush()
}

// doclear removes cached bundles no configured package lists.
func doclear(cfg *config) error {
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	n, freed := rt.ClearUnusedCache()
	fmt.Printf("removed %d bundles, %d bytes\n", n, freed)
	return nil
}

func dotrim(cfg *config, limit string) error {
	n, err := strconv.ParseInt(limit, 10, 64)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	count, freed := rt.TrimCache(n)
	fmt.Printf("removed %d bundles, %d bytes\n", count, freed)
	return nil
}
