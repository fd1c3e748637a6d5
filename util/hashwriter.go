package util

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"
	"strings"
)

// VerifyStreamHash checksums the given io.Reader and compares the checksum
// against the provided hex encoded MD5 and the CRC32 (IEEE). It returns true
// if everything matches, and false otherwise. Pass in an empty string or a
// zero crc to not verify a given checksum type.
// The reader is not closed when finished.
func VerifyStreamHash(r io.Reader, md5hex string, crc uint32) (bool, error) {
	if md5hex == "" && crc == 0 {
		return true, nil
	}
	hw := NewHashWriterPlain()
	_, err := io.Copy(hw, r)
	if err != nil {
		return false, err
	}
	var result = true
	if md5hex != "" {
		_, ok := hw.CheckMD5(md5hex)
		result = result && ok
	}
	if crc != 0 {
		_, ok := hw.CheckCRC(crc)
		result = result && ok
	}
	return result, nil
}

// An HashWriter wraps an io.Writer and also calculates the MD5 hash and the
// CRC32 of the bytes written.
type HashWriter struct {
	io.Writer // our io.MultiWriter
	md5       hash.Hash
	crc       hash.Hash32
	n         int64
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{
		md5: md5.New(),
		crc: crc32.NewIEEE(),
	}
	hw.Writer = io.MultiWriter(w, hw.md5, hw.crc)
	return hw
}

// NewHashWriterPlain return a HashWriter that does not wrap an output stream.
// It will just compute the checksums of the data written to it.
func NewHashWriterPlain() *HashWriter {
	hw := &HashWriter{
		md5: md5.New(),
		crc: crc32.NewIEEE(),
	}
	hw.Writer = io.MultiWriter(hw.md5, hw.crc)
	return hw
}

func (hw *HashWriter) Write(p []byte) (int, error) {
	n, err := hw.Writer.Write(p)
	hw.n += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (hw *HashWriter) Size() int64 {
	return hw.n
}

// MD5 returns the hex encoded MD5 hash of everything written.
func (hw *HashWriter) MD5() string {
	return hex.EncodeToString(hw.md5.Sum(nil))
}

// CRC returns the CRC32 (IEEE) of everything written.
func (hw *HashWriter) CRC() uint32 {
	return hw.crc.Sum32()
}

// CheckMD5 returns the MD5 hash for this writer, and compares it for equality
// with the goal hash passed in. The comparison ignores case. If the goal is
// empty then it is treated as matching, and true is returned.
func (hw *HashWriter) CheckMD5(goal string) (string, bool) {
	computed := hw.MD5()
	ok := goal == "" || strings.EqualFold(goal, computed)
	return computed, ok
}

// CheckCRC returns the CRC32 for this writer and compares it with goal.
// A zero goal is treated as matching.
func (hw *HashWriter) CheckCRC(goal uint32) (uint32, bool) {
	computed := hw.CRC()
	return computed, goal == 0 || goal == computed
}
