package store

import "testing"

func TestJSONSaveOpen(t *testing.T) {
	type state struct {
		Version string
		Count   int
	}
	js := NewJSON(NewMemory())
	if err := js.Save("state", state{"v1", 1}); err != nil {
		t.Fatal(err)
	}
	// saving again replaces the old value
	if err := js.Save("state", state{"v2", 2}); err != nil {
		t.Fatal(err)
	}
	var got state
	if err := js.Open("state", &got); err != nil {
		t.Fatal(err)
	}
	if got.Version != "v2" || got.Count != 2 {
		t.Errorf("Got %+v, expected {v2 2}", got)
	}
	if err := js.Open("missing", &got); err != ErrNotExist {
		t.Errorf("Got %v, expected %v", err, ErrNotExist)
	}
}
