package manifest

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func TestEncodeDecode(t *testing.T) {
	m := sample(t)
	m.Bundles[0].CRC = 0xdeadbeef
	m.Bundles[1].Encrypted = true
	data, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte(Magic)) {
		t.Fatalf("missing magic")
	}
	m2, err := Read(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if m2.Package != "main" || m2.Version != "1.0.0" {
		t.Errorf("Got %s %s, expected main 1.0.0", m2.Package, m2.Version)
	}
	if !reflect.DeepEqual(m.Bundles, m2.Bundles) {
		t.Errorf("Got %v, expected %v", m2.Bundles, m.Bundles)
	}
	if !reflect.DeepEqual(m.AssetBundleIDs(), m2.AssetBundleIDs()) {
		t.Errorf("Got %v, expected %v", m2.AssetBundleIDs(), m.AssetBundleIDs())
	}
}

func TestDecodeErrors(t *testing.T) {
	var table = []struct {
		data  []byte
		cause error
	}{
		{nil, ErrBadMagic},
		{[]byte("JUNKJUNK"), ErrBadMagic},
		{[]byte{'B', 'N', 'D', 'M', 9}, ErrBadFormat},
		{[]byte{'B', 'N', 'D', 'M', FormatVersion, 0xff, 0xff, 0xff}, ErrBadPayload},
	}
	for i, tab := range table {
		_, err := Decode(tab.data)
		if errors.Cause(err) != tab.cause {
			t.Errorf("%d: Got %v, expected %v", i, err, tab.cause)
		}
	}
}

func TestVersionFile(t *testing.T) {
	var table = []struct {
		input  string
		output string
		ok     bool
	}{
		{"1.2.3", "1.2.3", true},
		{"  1.2.3\r\nextra", "1.2.3", true},
		{"\n", "", false},
	}
	for _, tab := range table {
		v, err := ParseVersion([]byte(tab.input))
		if v != tab.output || (err == nil) != tab.ok {
			t.Errorf("%q: Got (%q, %v), expected %q", tab.input, v, err, tab.output)
		}
	}
	if HashOf([]byte("hello world")) != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("bad hash")
	}
}
