package cache

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/store"
	"github.com/ndlib/bundo/util"
)

func TestFindCacheFiles(t *testing.T) {
	x, dir := newTestIndex(t)
	defer os.RemoveAll(dir)

	// a good file from an earlier run
	temp := writeTemp(t, x, "good0001", "hello world")
	if _, err := x.Promote(temp, hello("good0001"), LevelHigh); err != nil {
		t.Fatal(err)
	}
	// a file whose content has been damaged since it was recorded
	temp = writeTemp(t, x, "bad00001", "hello world")
	bad, err := x.Promote(temp, hello("bad00001"), LevelHigh)
	if err != nil {
		t.Fatal(err)
	}
	ioutil.WriteFile(bad.DataPath, []byte("hello WORLD"), 0664)
	// a record whose file is gone
	x.DB().Save(&Record{ID: "gone0001", Size: 11})
	// a file nobody knows about
	p, _ := x.DataPath("orphan01")
	ioutil.WriteFile(p, []byte("???"), 0664)
	// a file the manifest knows about but which has no record
	p, _ = x.DataPath("known001")
	ioutil.WriteFile(p, []byte("hello world"), 0664)
	// a partial download
	writeTemp(t, x, "part0001", "hel")

	// a fresh index over the same directory and db
	fresh := NewIndex(store.NewFileSystem(dir), x.DB())
	find := NewFindOperation(fresh, LevelHigh, util.NewGate(2))
	find.Expect = func(id string) *manifest.Bundle {
		if id == "known001" {
			return hello(id)
		}
		return nil
	}
	s := op.New(op.Config{})
	if err := s.WaitForCompletion(find); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"good0001", "known001"} {
		if !fresh.IsCached(id) {
			t.Errorf("%s should be cached", id)
		}
	}
	for _, id := range []string{"bad00001", "gone0001", "orphan01", "part0001"} {
		if fresh.IsCached(id) {
			t.Errorf("%s should not be cached", id)
		}
	}
	if find.Partials != 1 || find.Orphans != 1 || find.Dropped != 1 || find.Invalid != 1 {
		t.Errorf("Got partials=%d orphans=%d dropped=%d invalid=%d, expected 1 each",
			find.Partials, find.Orphans, find.Dropped, find.Invalid)
	}
	if _, err := os.Stat(bad.DataPath); !os.IsNotExist(err) {
		t.Errorf("damaged file still present")
	}
	if p, _ := fresh.TempPath("part0001"); !exists(p) {
		t.Errorf("partial download was removed")
	}
	if r, _ := x.DB().Lookup("gone0001"); r != nil {
		t.Errorf("stale record kept")
	}
}

func TestVerifyOperationPool(t *testing.T) {
	dir, err := ioutil.TempDir("", "verifyop")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	var jobs []*VerifyJob
	for i := 0; i < 10; i++ {
		content := "hello world"
		if i%3 == 0 {
			content = "short"
		}
		name := string(rune('a' + i))
		jobs = append(jobs, &VerifyJob{
			ID:   name,
			Path: writeFile(t, dir, name, content),
			Size: 11,
		})
	}
	v := NewVerifyOperation(util.NewGate(3), LevelMiddle, jobs)
	s := op.New(op.Config{})
	s.Start(v)
	deadline := time.Now().Add(5 * time.Second)
	for !v.IsDone() && time.Now().Before(deadline) {
		s.Tick()
		time.Sleep(time.Millisecond)
	}
	if v.Status() != op.StatusSucceeded {
		t.Fatalf("Got %v, expected succeeded", v.Status())
	}
	if len(v.Passed()) != 6 || len(v.Failed()) != 4 {
		t.Errorf("Got %d passed %d failed, expected 6 and 4", len(v.Passed()), len(v.Failed()))
	}
	for _, job := range v.Failed() {
		if r, _ := job.Result(); r != ResultFileNotComplete {
			t.Errorf("%s: Got %v, expected %v", job.ID, r, ResultFileNotComplete)
		}
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
