package cache

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/migration"
)

// A Record is local evidence that a bundle's content is on disk and was
// verified. There is at most one record per id.
type Record struct {
	ID         string
	DataPath   string // absolute path of the data file
	Hash       string
	CRC        uint32
	Size       int64
	VerifyTime time.Time
}

// A RecordDB persists cache records between runs. Lookup returns nil and no
// error for a missing id.
type RecordDB interface {
	Lookup(id string) (*Record, error)
	Save(r *Record) error
	Remove(id string) error
	All() ([]*Record, error)
}

// MemoryDB is a RecordDB which forgets everything when the process exits.
type MemoryDB struct {
	m       sync.Mutex
	records map[string]Record
}

var _ RecordDB = &MemoryDB{}

// NewMemoryDB returns an empty MemoryDB.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{records: make(map[string]Record)}
}

func (mdb *MemoryDB) Lookup(id string) (*Record, error) {
	mdb.m.Lock()
	defer mdb.m.Unlock()
	r, ok := mdb.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (mdb *MemoryDB) Save(r *Record) error {
	mdb.m.Lock()
	mdb.records[r.ID] = *r
	mdb.m.Unlock()
	return nil
}

func (mdb *MemoryDB) Remove(id string) error {
	mdb.m.Lock()
	delete(mdb.records, id)
	mdb.m.Unlock()
	return nil
}

// All returns the records sorted by id.
func (mdb *MemoryDB) All() ([]*Record, error) {
	mdb.m.Lock()
	defer mdb.m.Unlock()
	result := make([]*Record, 0, len(mdb.records))
	for _, r := range mdb.records {
		r := r
		result = append(result, &r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// The migration package assumes a particular version table. dbVersion lets
// each SQL dialect say how to read and write its version.
type dbVersion struct {
	// SQL to get the version of this db, returns one row and one column
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the new
	// version
	SetSQL string
	// the SQL to create the version table for this db
	CreateSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	v, err := d.get(tx)
	if err != nil {
		// we assume error means there is no migration table
		log.Println("cache db:", err.Error())
		return 0, nil
	}
	return v, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if err := d.set(tx, version); err != nil {
		if err := d.createTable(tx); err != nil {
			return err
		}
		return d.set(tx, version)
	}
	return nil
}

func (d dbVersion) get(tx migration.LimitedTx) (int, error) {
	var version int
	r := tx.QueryRow(d.GetSQL)
	if err := r.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (d dbVersion) set(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(d.SetSQL, version)
	return err
}

func (d dbVersion) createTable(tx migration.LimitedTx) error {
	_, err := tx.Exec(d.CreateSQL)
	if err == nil {
		err = d.set(tx, 0)
	}
	return err
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around drivers not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}
