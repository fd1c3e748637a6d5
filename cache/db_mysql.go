package cache

import (
	"database/sql"
	"log"

	// no _ in import mysql since we need mysql.NullTime
	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"
)

// mysqlDB keeps cache records in MySQL. It lets several machines sharing a
// network cache directory agree on what has been verified.
type mysqlDB struct {
	db *sql.DB
}

var _ RecordDB = &mysqlDB{}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
}

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// NewMysqlDB connects to a MySQL database, migrating its schema if needed.
func NewMysqlDB(dial string) (RecordDB, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &mysqlDB{db: db}, nil
}

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS records (
		id varchar(64) PRIMARY KEY,
		path varchar(1024),
		hash varchar(64),
		crc bigint,
		size bigint,
		verified datetime,
		INDEX records_verified (verified))`,
	}
	return execlist(tx, s)
}

func (ms *mysqlDB) Lookup(id string) (*Record, error) {
	const query = `
		SELECT id, path, hash, crc, size, verified
		FROM records
		WHERE id = ?
		LIMIT 1`

	rows, err := ms.db.Query(query, id)
	if err != nil {
		return nil, err
	}
	records, err := scanMysqlRecords(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func (ms *mysqlDB) Save(r *Record) error {
	const stmt = `
		INSERT INTO records (id, path, hash, crc, size, verified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE path=?, hash=?, crc=?, size=?, verified=?`

	crc := int64(r.CRC)
	_, err := ms.db.Exec(stmt,
		r.ID, r.DataPath, r.Hash, crc, r.Size, r.VerifyTime,
		r.DataPath, r.Hash, crc, r.Size, r.VerifyTime)
	return err
}

func (ms *mysqlDB) Remove(id string) error {
	_, err := ms.db.Exec(`DELETE FROM records WHERE id = ?`, id)
	return err
}

func (ms *mysqlDB) All() ([]*Record, error) {
	const query = `
		SELECT id, path, hash, crc, size, verified
		FROM records
		ORDER BY id`

	rows, err := ms.db.Query(query)
	if err != nil {
		return nil, err
	}
	return scanMysqlRecords(rows)
}

func scanMysqlRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()
	var result []*Record
	for rows.Next() {
		var r Record
		var crc int64
		var when mysql.NullTime
		err := rows.Scan(&r.ID, &r.DataPath, &r.Hash, &crc, &r.Size, &when)
		if err != nil {
			return nil, err
		}
		r.CRC = uint32(crc)
		if when.Valid {
			r.VerifyTime = when.Time
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// Close closes the connection pool.
func (ms *mysqlDB) Close() error { return ms.db.Close() }
