package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestHashWriter(t *testing.T) {
	const input = "hello1 hello2 hello3 hello4 hello5abcdefghijklmnopqrstuvwxyz0123456789"
	const goalMD5 = "0101fc798d94a730b0f0bf1bd2cc1959"
	const goalCRC = 2805160758
	var w = new(bytes.Buffer)
	hw := NewHashWriter(w)
	dohashtest(t, hw, input, goalMD5, goalCRC)
	if w.String() != input {
		t.Errorf("Got %q, expected %q", w.String(), input)
	}
	if hw.Size() != int64(len(input)) {
		t.Errorf("Got size %d, expected %d", hw.Size(), len(input))
	}
	dohashtest(t, NewHashWriterPlain(), input, strings.ToUpper(goalMD5), 0)
}

func dohashtest(t *testing.T, hw *HashWriter, input string, goalmd5 string, goalcrc uint32) {
	hw.Write([]byte(input))
	h, ok := hw.CheckMD5(goalmd5)
	if !ok {
		t.Fatalf("Got %v, expected %v\n", h, goalmd5)
	}
	c, ok := hw.CheckCRC(goalcrc)
	if !ok {
		t.Fatalf("Got %v, expected %v\n", c, goalcrc)
	}
}

func TestVerifyStreamHash(t *testing.T) {
	var table = []struct {
		md5    string
		crc    uint32
		result bool
	}{
		{"", 0, true},
		{"5eb63bbbe01eeed093cb22bb8f5acdc3", 0, true},
		{"5eb63bbbe01eeed093cb22bb8f5acdc3", 222957957, true},
		{"", 222957957, true},
		{"5eb63bbbe01eeed093cb22bb8f5acdc4", 0, false},
		{"5eb63bbbe01eeed093cb22bb8f5acdc3", 1, false},
	}
	for _, tab := range table {
		ok, err := VerifyStreamHash(strings.NewReader("hello world"), tab.md5, tab.crc)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tab.result {
			t.Errorf("(%q, %d) Got %v, expected %v", tab.md5, tab.crc, ok, tab.result)
		}
	}
}
