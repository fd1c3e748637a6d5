package cache

import (
	"testing"
	"time"
)

func testRecordDB(t *testing.T, db RecordDB) {
	now := time.Now().Truncate(time.Second)
	r, err := db.Lookup("qwe")
	if r != nil || err != nil {
		t.Errorf("Received (%v, %v), expected (nil, nil)", r, err)
	}
	records := []*Record{
		{ID: "qwe", DataPath: "/x/qw/e/qwe", Hash: "abc", CRC: 0xffffffff, Size: 10, VerifyTime: now},
		{ID: "asd", DataPath: "/x/as/d/asd", Hash: "def", CRC: 7, Size: 20, VerifyTime: now},
	}
	for _, r := range records {
		if err := db.Save(r); err != nil {
			t.Fatal(err)
		}
	}
	r, err = db.Lookup("qwe")
	if err != nil || r == nil {
		t.Fatalf("Received (%v, %v)", r, err)
	}
	if r.CRC != 0xffffffff || r.Size != 10 || !r.VerifyTime.Equal(now) {
		t.Errorf("Received %+v, expected %+v", r, records[0])
	}

	// save again updates in place
	records[0].Size = 11
	if err := db.Save(records[0]); err != nil {
		t.Fatal(err)
	}
	all, err := db.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "asd" || all[1].Size != 11 {
		t.Errorf("Received %v", all)
	}

	if err := db.Remove("qwe"); err != nil {
		t.Fatal(err)
	}
	all, _ = db.All()
	if len(all) != 1 {
		t.Errorf("Received %d records, expected 1", len(all))
	}
}

func TestMemoryDB(t *testing.T) {
	testRecordDB(t, NewMemoryDB())
}

func TestQlDB(t *testing.T) {
	db, err := NewQlDB("memory")
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	testRecordDB(t, db)

	// each memory database is separate
	db2, err := NewQlDB("memory")
	if err != nil {
		t.Fatal(err)
	}
	if all, _ := db2.All(); len(all) != 0 {
		t.Errorf("Received %d records, expected 0", len(all))
	}
}
