package cache

import (
	"fmt"
	"os"

	"github.com/ndlib/bundo/util"
)

// Level is how strictly a cached file is checked.
type Level int

// The verification levels, from cheapest to most thorough.
const (
	LevelLow    Level = iota // the file exists
	LevelMiddle              // the file exists and has the expected size
	LevelHigh                // size matches and so do the MD5 and CRC
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMiddle:
		return "middle"
	case LevelHigh:
		return "high"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel converts the output of Level.String back into a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "low":
		return LevelLow, nil
	case "middle", "":
		return LevelMiddle, nil
	case "high":
		return LevelHigh, nil
	}
	return LevelMiddle, fmt.Errorf("unknown verify level %q", s)
}

// Result is the outcome of verifying one file.
type Result int

// The possible verification outcomes. Each failure is distinct so callers
// can tell corruption, which needs a new download, from an incomplete file,
// which may be resumed, from a local I/O problem.
const (
	ResultSucceed         Result = iota
	ResultNotExisted             // no such file
	ResultFileNotComplete        // smaller than expected
	ResultOverflow               // larger than expected
	ResultHashMismatch           // right size, wrong content
	ResultException              // the file could not be read
)

func (r Result) String() string {
	switch r {
	case ResultSucceed:
		return "succeed"
	case ResultNotExisted:
		return "not existed"
	case ResultFileNotComplete:
		return "file not complete"
	case ResultOverflow:
		return "overflow"
	case ResultHashMismatch:
		return "hash mismatch"
	case ResultException:
		return "exception"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// SizeMismatch is true for either size failure.
func (r Result) SizeMismatch() bool {
	return r == ResultFileNotComplete || r == ResultOverflow
}

// Verify checks the file at path against the expected size and checksums,
// to the given level. An expected size of less than zero is not checked,
// nor is an empty hash or a zero crc.
func Verify(path string, size int64, hash string, crc uint32, level Level) Result {
	r, _ := VerifyFile(path, size, hash, crc, level)
	return r
}

// VerifyFile is Verify which also returns the I/O error behind a
// ResultException.
func VerifyFile(path string, size int64, hash string, crc uint32, level Level) (Result, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ResultNotExisted, nil
		}
		return ResultException, err
	}
	if fi.IsDir() {
		return ResultException, fmt.Errorf("%s is a directory", path)
	}
	if level == LevelLow {
		return ResultSucceed, nil
	}
	if size >= 0 {
		switch {
		case fi.Size() < size:
			return ResultFileNotComplete, nil
		case fi.Size() > size:
			return ResultOverflow, nil
		}
	}
	if level == LevelMiddle {
		return ResultSucceed, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return ResultException, err
	}
	defer f.Close()
	ok, err := util.VerifyStreamHash(f, hash, crc)
	if err != nil {
		return ResultException, err
	}
	if !ok {
		return ResultHashMismatch, nil
	}
	return ResultSucceed, nil
}
