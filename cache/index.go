// Package cache keeps track of which bundles are present and verified on
// local disk.
//
// The Index is the single source of truth for "is bundle B cached". Data
// files live in a store.FileSystem under their bundle id. Partial downloads
// sit next to them with a ".temp" suffix and never count as cached. A file
// becomes visible to the Index only through Promote, which verifies it
// first, or through a FindOperation which reconciles the disk with the
// persisted records at startup.
//
// An Index is not safe for concurrent use. It is driven from the goroutine
// which ticks the operation scheduler.
package cache

import (
	"os"
	"sort"
	"strings"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/store"
)

// TempSuffix marks a partially downloaded file.
const TempSuffix = ".temp"

var (
	ErrInUse        = errors.New("bundle is in use")
	ErrVerifyFailed = errors.New("verification failed")
	ErrNotCached    = errors.New("bundle is not cached")
)

// VerifyError is returned when a file fails verification. Result says how.
type VerifyError struct {
	ID     string
	Result Result
	Err    error // the I/O error for ResultException
}

func (v *VerifyError) Error() string {
	msg := ErrVerifyFailed.Error() + " for " + v.ID + ": " + v.Result.String()
	if v.Err != nil {
		msg += ": " + v.Err.Error()
	}
	return msg
}

// Cause lets errors.Cause map every VerifyError to ErrVerifyFailed.
func (v *VerifyError) Cause() error { return ErrVerifyFailed }

// Index maps bundle ids to verified cache records.
type Index struct {
	fs      *store.FileSystem
	db      RecordDB
	clock   clock.Clock
	records map[string]*Record
	inUse   func(id string) bool
}

// NewIndex returns an empty index over the files in fs, persisting records
// to db. A nil db keeps records in memory. Run a FindOperation to pick up
// what an earlier process left on disk.
func NewIndex(fs *store.FileSystem, db RecordDB) *Index {
	if db == nil {
		db = NewMemoryDB()
	}
	return &Index{
		fs:      fs,
		db:      db,
		clock:   clock.New(),
		records: make(map[string]*Record),
	}
}

// SetClock replaces the clock used to timestamp records.
func (x *Index) SetClock(c clock.Clock) { x.clock = c }

// SetInUse installs the predicate which says whether a bundle is open by a
// loader. Discard refuses to remove bundles it reports as in use.
func (x *Index) SetInUse(fn func(id string) bool) { x.inUse = fn }

// Store returns the file system the data files live in.
func (x *Index) Store() *store.FileSystem { return x.fs }

// DB returns the record database.
func (x *Index) DB() RecordDB { return x.db }

// IsCached returns true if there is a verified record for id.
func (x *Index) IsCached(id string) bool {
	_, ok := x.records[id]
	return ok
}

// TryGetRecord returns the record for id, if there is one.
func (x *Index) TryGetRecord(id string) (*Record, bool) {
	r, ok := x.records[id]
	return r, ok
}

// Len returns the number of cached bundles.
func (x *Index) Len() int { return len(x.records) }

// Size returns the total size of the cached bundles.
func (x *Index) Size() int64 {
	var n int64
	for _, r := range x.records {
		n += r.Size
	}
	return n
}

// IDs returns the ids of every cached bundle, sorted.
func (x *Index) IDs() []string {
	result := make([]string, 0, len(x.records))
	for id := range x.records {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// DataPath returns where the data file for id lives, making sure its
// directory exists.
func (x *Index) DataPath(id string) (string, error) {
	if err := x.fs.MakeDir(id); err != nil {
		return "", err
	}
	return x.fs.Path(id)
}

// TempPath returns where a partial download of id is kept.
func (x *Index) TempPath(id string) (string, error) {
	if err := x.fs.MakeDir(id + TempSuffix); err != nil {
		return "", err
	}
	return x.fs.Path(id + TempSuffix)
}

// IsTempKey returns true for keys of partial downloads.
func IsTempKey(key string) bool {
	return strings.HasSuffix(key, TempSuffix)
}

// Promote verifies the file at tempPath against b and, if it passes, moves
// it to the data path for b and records it. A file which fails is deleted,
// since a complete file with the wrong content cannot be resumed. Any
// previous copy of b.ID is replaced, so there is never more than one.
func (x *Index) Promote(tempPath string, b *manifest.Bundle, level Level) (*Record, error) {
	result, err := VerifyFile(tempPath, b.Size, b.Hash, b.CRC, level)
	if result != ResultSucceed {
		if result != ResultException {
			os.Remove(tempPath)
		}
		return nil, &VerifyError{ID: b.ID, Result: result, Err: err}
	}
	if _, ok := x.records[b.ID]; ok {
		// the rename replaces the old data file. a reader holding it
		// open keeps the old content.
		if err := x.Invalidate(b.ID); err != nil {
			return nil, err
		}
	}
	target, err := x.DataPath(b.ID)
	if err != nil {
		return nil, err
	}
	if tempPath != target {
		if err := os.Rename(tempPath, target); err != nil {
			return nil, errors.Wrap(err, "promote")
		}
	}
	r := &Record{
		ID:         b.ID,
		DataPath:   target,
		Hash:       b.Hash,
		CRC:        b.CRC,
		Size:       b.Size,
		VerifyTime: x.clock.Now(),
	}
	if err := x.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds an already verified record, persisting it.
func (x *Index) Register(r *Record) error {
	if err := x.db.Save(r); err != nil {
		return errors.Wrap(err, "save cache record")
	}
	x.records[r.ID] = r
	return nil
}

// Discard deletes the data file and any partial download for id, and
// drops its record. Bundles in use by a loader cannot be discarded.
func (x *Index) Discard(id string) error {
	if x.inUse != nil && x.inUse(id) {
		return errors.Wrap(ErrInUse, id)
	}
	if err := x.fs.Delete(id); err != nil {
		return err
	}
	if err := x.fs.Delete(id + TempSuffix); err != nil {
		return err
	}
	delete(x.records, id)
	return x.db.Remove(id)
}

// Invalidate drops the record for id without touching the files. It is
// used when a later check finds the data file no longer trustworthy and the
// caller will overwrite it.
func (x *Index) Invalidate(id string) error {
	delete(x.records, id)
	return x.db.Remove(id)
}

// Candidates returns the records which may be evicted: those not in use
// and for which keep returns false. The oldest verified come first.
func (x *Index) Candidates(keep func(id string) bool) []*Record {
	var result []*Record
	for id, r := range x.records {
		if keep != nil && keep(id) {
			continue
		}
		if x.inUse != nil && x.inUse(id) {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].VerifyTime.Equal(result[j].VerifyTime) {
			return result[i].ID < result[j].ID
		}
		return result[i].VerifyTime.Before(result[j].VerifyTime)
	})
	return result
}
