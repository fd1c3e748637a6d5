package manifest

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"strings"

	"github.com/antonholmquist/jason"
	"github.com/cznic/zappy"
	"github.com/pkg/errors"
)

// Manifest files start with this magic string and a format version byte.
// The rest of the file is a zappy compressed JSON document.
const (
	Magic         = "BNDM"
	FormatVersion = 1
)

var (
	ErrBadMagic   = errors.New("not a manifest file")
	ErrBadFormat  = errors.New("unsupported manifest format version")
	ErrBadPayload = errors.New("malformed manifest")
)

type wireBundle struct {
	ID        string   `json:"id"`
	FileName  string   `json:"file"`
	Size      int64    `json:"size"`
	Hash      string   `json:"hash"`
	CRC       uint32   `json:"crc"`
	Tags      []string `json:"tags,omitempty"`
	Encrypted bool     `json:"encrypted,omitempty"`
	Raw       bool     `json:"raw,omitempty"`
	DependIDs []string `json:"depends,omitempty"`
}

type wireManifest struct {
	Package string         `json:"package"`
	Version string         `json:"version"`
	Bundles []wireBundle   `json:"bundles"`
	Assets  map[string]int `json:"assets"`
}

// Encode serializes m into the manifest file format.
func Encode(m *Manifest) ([]byte, error) {
	w := wireManifest{
		Package: m.Package,
		Version: m.Version,
		Assets:  m.assets,
	}
	for _, b := range m.Bundles {
		w.Bundles = append(w.Bundles, wireBundle(*b))
	}
	body, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	packed, err := zappy.Encode(nil, body)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.WriteByte(FormatVersion)
	buf.Write(packed)
	return buf.Bytes(), nil
}

// Decode parses and validates a manifest file.
func Decode(data []byte) (*Manifest, error) {
	if len(data) < len(Magic)+1 || string(data[:len(Magic)]) != Magic {
		return nil, ErrBadMagic
	}
	if data[len(Magic)] != FormatVersion {
		return nil, errors.Wrapf(ErrBadFormat, "version %d", data[len(Magic)])
	}
	body, err := zappy.Decode(nil, data[len(Magic)+1:])
	if err != nil {
		return nil, errors.Wrap(ErrBadPayload, err.Error())
	}
	obj, err := jason.NewObjectFromBytes(body)
	if err != nil {
		return nil, errors.Wrap(ErrBadPayload, err.Error())
	}
	return fromJSON(obj)
}

// Read decodes a manifest from a stream.
func Read(r io.Reader) (*Manifest, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func fromJSON(obj *jason.Object) (*Manifest, error) {
	pkg, err := obj.GetString("package")
	if err != nil {
		return nil, errors.Wrap(ErrBadPayload, "package")
	}
	version, err := obj.GetString("version")
	if err != nil {
		return nil, errors.Wrap(ErrBadPayload, "version")
	}
	list, err := obj.GetObjectArray("bundles")
	if err != nil {
		return nil, errors.Wrap(ErrBadPayload, "bundles")
	}
	var bundles []*Bundle
	for i, v := range list {
		b, err := bundleFromJSON(v)
		if err != nil {
			return nil, errors.Wrapf(err, "bundle %d", i)
		}
		bundles = append(bundles, b)
	}
	assets := make(map[string]string)
	if a, err := obj.GetObject("assets"); err == nil {
		for path, v := range a.Map() {
			i, err := v.Int64()
			if err != nil || i < 0 || int(i) >= len(bundles) {
				return nil, errors.Wrapf(ErrBadPayload, "asset %s", path)
			}
			assets[path] = bundles[i].ID
		}
	}
	return New(pkg, version, bundles, assets)
}

func bundleFromJSON(v *jason.Object) (*Bundle, error) {
	b := &Bundle{}
	var err error
	if b.ID, err = v.GetString("id"); err != nil {
		return nil, errors.Wrap(ErrBadPayload, "id")
	}
	if b.FileName, err = v.GetString("file"); err != nil {
		return nil, errors.Wrap(ErrBadPayload, "file")
	}
	if b.Size, err = v.GetInt64("size"); err != nil {
		return nil, errors.Wrap(ErrBadPayload, "size")
	}
	if b.Hash, err = v.GetString("hash"); err != nil {
		return nil, errors.Wrap(ErrBadPayload, "hash")
	}
	b.Hash = strings.ToLower(b.Hash)
	crc, err := v.GetInt64("crc")
	if err != nil {
		return nil, errors.Wrap(ErrBadPayload, "crc")
	}
	b.CRC = uint32(crc)
	// the remaining fields are optional
	b.Tags, _ = v.GetStringArray("tags")
	b.Encrypted, _ = v.GetBoolean("encrypted")
	b.Raw, _ = v.GetBoolean("raw")
	b.DependIDs, _ = v.GetStringArray("depends")
	return b, nil
}

// HashOf returns the hex MD5 of an encoded manifest. It is the content of
// the hash file published next to each manifest.
func HashOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ParseVersion reads a version file: the first line, trimmed.
func ParseVersion(data []byte) (string, error) {
	s := strings.TrimSpace(string(data))
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s == "" {
		return "", errors.New("empty version file")
	}
	return s, nil
}

// Names of the files a package publishes for a version.
func FileName(pkg, version string) string { return pkg + "_" + version + ".bytes" }
func HashFileName(pkg, version string) string { return pkg + "_" + version + ".hash" }
func VersionFileName(pkg string) string { return pkg + "_version.txt" }
