package cache

import (
	"log"

	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/util"
)

// FindOperation reconciles an Index with whatever an earlier process left
// in the cache directory. It walks the directory one key per step while the
// scheduler has time, pairs each data file with its persisted record, and
// then verifies the pairs. Files ending in TempSuffix are partial downloads
// and are left alone for a later resume. Files with no record are deleted
// unless Expect knows the bundle, in which case they are verified against
// it. Records with no file are dropped.
type FindOperation struct {
	op.Base

	// Expect optionally maps an id to the bundle it should hold.
	Expect func(id string) *manifest.Bundle

	index   *Index
	level   Level
	gate    *util.Gate
	state   findState
	keys    <-chan string
	records map[string]*Record
	seen    map[string]bool
	jobs    []*VerifyJob
	verify  *VerifyOperation

	// Counts of what was found, for logging and tests.
	Partials int
	Orphans  int
	Dropped  int
	Invalid  int
}

type findState int

const (
	findScanning findState = iota
	findVerifying
)

// NewFindOperation returns an operation which fills index from disk,
// verifying at level on the worker pool gate.
func NewFindOperation(index *Index, level Level, gate *util.Gate) *FindOperation {
	return &FindOperation{
		index: index,
		level: level,
		gate:  gate,
		seen:  make(map[string]bool),
	}
}

func (f *FindOperation) OnStart() {
	records, err := f.index.db.All()
	if err != nil {
		f.Fail(err)
		return
	}
	f.records = make(map[string]*Record, len(records))
	for _, r := range records {
		f.records[r.ID] = r
	}
	f.keys = f.index.fs.List()
}

func (f *FindOperation) OnUpdate() {
	switch f.state {
	case findScanning:
		f.scan()
	case findVerifying:
		if f.Scheduler().Drive(f.verify) {
			f.finish()
		}
	}
}

func (f *FindOperation) OnAbort() {
	if f.keys != nil && f.state == findScanning {
		// let the directory walk run to the end
		go func(c <-chan string) {
			for range c {
			}
		}(f.keys)
	}
	if f.verify != nil && !f.verify.IsDone() {
		f.Scheduler().Abort(f.verify)
	}
}

func (f *FindOperation) scan() {
	for !f.IsBusy() {
		var key string
		var ok bool
		select {
		case key, ok = <-f.keys:
		default:
			// the walk has not produced anything yet
			return
		}
		if !ok {
			f.reconcile()
			return
		}
		f.examine(key)
	}
}

func (f *FindOperation) examine(key string) {
	if IsTempKey(key) {
		f.Partials++
		return
	}
	path, err := f.index.fs.Path(key)
	if err != nil {
		return
	}
	f.seen[key] = true
	if r, ok := f.records[key]; ok {
		f.jobs = append(f.jobs, &VerifyJob{
			ID:   key,
			Path: path,
			Size: r.Size,
			Hash: r.Hash,
			CRC:  r.CRC,
		})
		return
	}
	if f.Expect != nil {
		if b := f.Expect(key); b != nil {
			f.jobs = append(f.jobs, &VerifyJob{
				ID:   key,
				Path: path,
				Size: b.Size,
				Hash: b.Hash,
				CRC:  b.CRC,
			})
			return
		}
	}
	log.Printf("cache: removing unknown file %s", key)
	f.Orphans++
	if err := f.index.fs.Delete(key); err != nil {
		raven.CaptureError(err, nil)
		log.Printf("cache: %s", err.Error())
	}
}

func (f *FindOperation) reconcile() {
	for id := range f.records {
		if f.seen[id] {
			continue
		}
		f.Dropped++
		if err := f.index.db.Remove(id); err != nil {
			log.Printf("cache: dropping record %s: %s", id, err.Error())
		}
	}
	f.verify = NewVerifyOperation(f.gate, f.level, f.jobs)
	f.verify.Group = f.Group
	f.state = findVerifying
	f.SetProgress(0.5)
}

func (f *FindOperation) finish() {
	if f.verify.Status() == op.StatusFailed {
		f.Fail(f.verify.Err())
		return
	}
	now := f.index.clock.Now()
	for _, job := range f.verify.Passed() {
		r := &Record{
			ID:         job.ID,
			DataPath:   job.Path,
			Hash:       job.Hash,
			CRC:        job.CRC,
			Size:       job.Size,
			VerifyTime: now,
		}
		if old, ok := f.records[job.ID]; ok && f.level < LevelHigh {
			// not rechecked the content, so keep the old time
			r.VerifyTime = old.VerifyTime
		}
		if err := f.index.Register(r); err != nil {
			f.Fail(err)
			return
		}
	}
	for _, job := range f.verify.Failed() {
		result, _ := job.Result()
		log.Printf("cache: %s failed verification: %s", job.ID, result)
		f.Invalid++
		if err := f.index.Discard(job.ID); err != nil {
			log.Printf("cache: discarding %s: %s", job.ID, err.Error())
		}
	}
	f.Succeed()
}
