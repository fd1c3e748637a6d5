package cache

import (
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/migration"
	_ "github.com/cznic/ql/driver"
)

// qlDB keeps cache records in the QL embedded database. It is the default
// for a single process cache.
type qlDB struct {
	db *sql.DB
}

var _ RecordDB = &qlDB{}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var qlMigrations = []migration.Migrator{
	qlschema1,
}

var qlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version VALUES (?1, now())`,
	CreateSQL: `CREATE TABLE migration_version (version int, applied time)`,
}

// memory databases are shared by name inside the driver, so give each one
// its own.
var qlMemoryCount int64

// NewQlDB opens (creating if needed) a QL record database. filename is the
// file to save the database to. The filename "memory" keeps everything in
// memory.
func NewQlDB(filename string) (RecordDB, error) {
	driver, dsn := "ql", filename
	if filename == "memory" {
		n := atomic.AddInt64(&qlMemoryCount, 1)
		driver, dsn = "ql-mem", fmt.Sprintf("mem%d.db", n)
	}
	db, err := migration.OpenWith(
		driver,
		dsn,
		qlMigrations,
		qlVersioning.Get,
		qlVersioning.Set)
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil, err
	}
	return &qlDB{db: db}, nil
}

func qlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS records (
			id string,
			path string,
			hash string,
			crc int64,
			size int64,
			verified time
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS recordid ON records (id)`,
		`CREATE INDEX IF NOT EXISTS recordverified ON records (verified)`,
	}
	return execlist(tx, s)
}

func (q *qlDB) Lookup(id string) (*Record, error) {
	const query = `
		SELECT id, path, hash, crc, size, verified
		FROM records
		WHERE id == ?1
		LIMIT 1`

	rows, err := q.db.Query(query, id)
	if err != nil {
		return nil, err
	}
	records, err := scanRecords(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func (q *qlDB) Save(r *Record) error {
	const update = `
		UPDATE records
		SET path = ?2, hash = ?3, crc = ?4, size = ?5, verified = ?6
		WHERE id == ?1`
	const insert = `INSERT INTO records VALUES (?1, ?2, ?3, ?4, ?5, ?6)`

	args := []interface{}{r.ID, r.DataPath, r.Hash, int64(r.CRC), r.Size, r.VerifyTime}
	result, err := performExec(q.db, update, args...)
	if err != nil {
		return err
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		// record didn't exist. create it
		_, err = performExec(q.db, insert, args...)
	}
	return err
}

func (q *qlDB) Remove(id string) error {
	const query = `DELETE FROM records WHERE id == ?1`
	_, err := performExec(q.db, query, id)
	return err
}

func (q *qlDB) All() ([]*Record, error) {
	const query = `
		SELECT id, path, hash, crc, size, verified
		FROM records
		ORDER BY id`

	rows, err := q.db.Query(query)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()
	var result []*Record
	for rows.Next() {
		var r Record
		var crc int64
		var when time.Time
		err := rows.Scan(&r.ID, &r.DataPath, &r.Hash, &crc, &r.Size, &when)
		if err != nil {
			return nil, err
		}
		r.CRC = uint32(crc)
		r.VerifyTime = when
		result = append(result, &r)
	}
	return result, rows.Err()
}

// ql only allows changes inside of a transaction.
func performExec(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	var result sql.Result
	result, err = tx.Exec(query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	return result, err
}

// Close releases the database file.
func (q *qlDB) Close() error { return q.db.Close() }
