package engine

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/cznic/fileutil"
	"github.com/pkg/errors"

	"github.com/ndlib/bundo/cache"
	"github.com/ndlib/bundo/download"
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
)

// fetchFile is a download of one small package file into a scratch file.
type fetchFile struct {
	task *download.Task
	temp string
}

func (p *Package) newFetchFile(name string) (*fetchFile, error) {
	if p.opts.Hosts == nil {
		return nil, ErrNoHosts
	}
	f, err := fileutil.TempFile(filepath.Join(p.rt.dir, "tmp"), p.name+"-", ".temp")
	if err != nil {
		return nil, err
	}
	temp := f.Name()
	f.Close()
	main, fallback := p.opts.Hosts.URLs(p.name, name)
	task := p.rt.downloads.NewTask(download.Request{
		ID:          name,
		MainURL:     main,
		FallbackURL: fallback,
		TempPath:    temp,
		Timeout:     p.opts.Timeout,
		Retries:     p.opts.Retries,
	})
	return &fetchFile{task: task, temp: temp}, nil
}

// read returns the downloaded content and removes the scratch file.
func (f *fetchFile) read() ([]byte, error) {
	defer f.remove()
	return ioutil.ReadFile(f.temp)
}

func (f *fetchFile) remove() {
	if f != nil {
		os.Remove(f.temp)
	}
}

// VersionOperation fetches the version file of a package, which names the
// newest manifest version.
type VersionOperation struct {
	op.Base
	p       *Package
	fetch   *fetchFile
	version string
}

// UpdatePackageVersion starts fetching the newest version number of the
// package. Pass the result to UpdateManifestAsync to switch to it.
func (p *Package) UpdatePackageVersion() *VersionOperation {
	v := &VersionOperation{p: p}
	v.Group = p.name
	p.rt.sched.Start(v)
	return v
}

// Version returns the version found, once the operation succeeded.
func (v *VersionOperation) Version() string { return v.version }

func (v *VersionOperation) OnStart() {
	var err error
	v.fetch, err = v.p.newFetchFile(manifest.VersionFileName(v.p.name))
	if err != nil {
		v.Fail(err)
	}
}

func (v *VersionOperation) OnUpdate() {
	task := v.fetch.task
	if !v.Scheduler().Drive(task) {
		v.SetProgress(task.Progress())
		return
	}
	if task.Status() == op.StatusFailed {
		v.fetch.remove()
		v.Fail(errors.Wrap(task.Err(), "version file"))
		return
	}
	data, err := v.fetch.read()
	if err == nil {
		v.version, err = manifest.ParseVersion(data)
	}
	if err != nil {
		v.Fail(err)
		return
	}
	v.Succeed()
}

func (v *VersionOperation) OnAbort() {
	if v.fetch != nil {
		v.Scheduler().Abort(v.fetch.task)
		v.fetch.remove()
	}
}

type manifestState int

const (
	manifestHash manifestState = iota
	manifestDownload
	manifestVerify
)

// ManifestOperation switches a package to another manifest version. It
// fetches the manifest's hash file, then the manifest unless a copy with
// that hash is already saved, verifies the manifest against the hash, and
// activates it. Each step is a child operation driven in turn.
type ManifestOperation struct {
	op.Base
	p       *Package
	version string
	state   manifestState
	fetch   *fetchFile
	verify  *cache.VerifyOperation
	hash    string

	// Changed lists the bundles which are new or changed compared with
	// the manifest active before, once the operation succeeded.
	Changed []*manifest.Bundle
}

// UpdateManifestAsync starts switching the package to the given manifest
// version. Requests made before the switch finishes use the old manifest.
func (p *Package) UpdateManifestAsync(version string) *ManifestOperation {
	m := &ManifestOperation{p: p, version: version}
	m.Group = p.name
	p.rt.sched.Start(m)
	return m
}

// Version returns the version being switched to.
func (m *ManifestOperation) Version() string { return m.version }

func (m *ManifestOperation) OnStart() {
	if m.version == "" {
		m.Failf("%s: no version given", m.p.name)
		return
	}
	var err error
	m.fetch, err = m.p.newFetchFile(manifest.HashFileName(m.p.name, m.version))
	if err != nil {
		m.Fail(err)
	}
}

func (m *ManifestOperation) OnUpdate() {
	switch m.state {
	case manifestHash:
		m.stepHash()
	case manifestDownload:
		m.stepDownload()
	case manifestVerify:
		m.stepVerify()
	}
}

func (m *ManifestOperation) stepHash() {
	task := m.fetch.task
	if !m.Scheduler().Drive(task) {
		m.SetProgress(0.1 * task.Progress())
		return
	}
	if task.Status() == op.StatusFailed {
		m.fetch.remove()
		m.Fail(errors.Wrap(task.Err(), "hash file"))
		return
	}
	data, err := m.fetch.read()
	if err != nil {
		m.Fail(err)
		return
	}
	m.hash = strings.ToLower(strings.TrimSpace(string(data)))
	if len(m.hash) != 32 {
		m.Failf("%s: bad hash file %q", m.p.name, m.hash)
		return
	}
	m.SetProgress(0.1)

	// a saved copy saves the download
	if saved, err := m.p.savedManifest(m.version); err == nil && manifest.HashOf(saved) == m.hash {
		m.activate(saved)
		return
	}
	m.fetch, err = m.p.newFetchFile(manifest.FileName(m.p.name, m.version))
	if err != nil {
		m.Fail(err)
		return
	}
	m.state = manifestDownload
}

func (m *ManifestOperation) stepDownload() {
	task := m.fetch.task
	if !m.Scheduler().Drive(task) {
		m.SetProgress(0.1 + 0.8*task.Progress())
		return
	}
	if task.Status() == op.StatusFailed {
		m.fetch.remove()
		m.Fail(errors.Wrap(task.Err(), "manifest"))
		return
	}
	m.verify = cache.NewVerifyOperation(m.p.rt.gate, cache.LevelHigh, []*cache.VerifyJob{{
		ID:   manifest.FileName(m.p.name, m.version),
		Path: m.fetch.temp,
		Size: -1,
		Hash: m.hash,
	}})
	m.SetProgress(0.9)
	m.state = manifestVerify
}

func (m *ManifestOperation) stepVerify() {
	if !m.Scheduler().Drive(m.verify) {
		return
	}
	job := m.verify.Jobs[0]
	if result, _ := job.Result(); m.verify.Status() == op.StatusFailed || result != cache.ResultSucceed {
		m.fetch.remove()
		m.Fail(&cache.VerifyError{ID: job.ID, Result: result, Err: m.verify.Err()})
		return
	}
	data, err := m.fetch.read()
	if err != nil {
		m.Fail(err)
		return
	}
	m.activate(data)
}

func (m *ManifestOperation) activate(data []byte) {
	mf, err := manifest.Decode(data)
	if err != nil {
		m.Fail(err)
		return
	}
	if mf.Version != m.version || mf.Package != m.p.name {
		m.Fail(errors.Wrapf(manifest.ErrVersionMismatch, "asked for %s %s, got %s %s",
			m.p.name, m.version, mf.Package, mf.Version))
		return
	}
	old := m.p.manifest
	if err := m.p.activate(mf, data); err != nil {
		m.Fail(err)
		return
	}
	m.Changed = mf.Diff(old)
	m.Succeed()
}

func (m *ManifestOperation) OnAbort() {
	if m.fetch != nil {
		m.Scheduler().Abort(m.fetch.task)
		m.fetch.remove()
	}
	if m.verify != nil {
		m.Scheduler().Abort(m.verify)
	}
}
