package store

import (
	"io"
	"io/ioutil"
	"testing"
)

func TestMemoryReadWhileOpen(t *testing.T) {
	m := NewMemory()
	add(t, m, "abc", "hello world")
	if _, err := m.Create("abc"); err != ErrKeyExists {
		t.Errorf("Got %v, expected %v", err, ErrKeyExists)
	}
	// two readers at once
	r1, _, err := m.Open("abc")
	if err != nil {
		t.Fatal(err)
	}
	r2, size, err := m.Open("abc")
	if err != nil {
		t.Fatal(err)
	}
	if size != 11 {
		t.Errorf("Got size %d, expected 11", size)
	}
	p := make([]byte, 20)
	n, err := r1.ReadAt(p, 6)
	if n != 5 || err != io.EOF {
		t.Errorf("Got (%d, %v), expected (5, EOF)", n, err)
	}
	r1.Close()
	r1.Close() // closing twice does not unlock twice
	data, _ := ioutil.ReadAll(NewReader(r2))
	if string(data) != "hello world" {
		t.Errorf("Got %q", data)
	}
	r2.Close()
	if m.Size() != 11 {
		t.Errorf("Got total size %d, expected 11", m.Size())
	}
	m.Delete("abc")
	if _, err := m.Stat("abc"); err != ErrNotExist {
		t.Errorf("Got %v, expected %v", err, ErrNotExist)
	}
}
