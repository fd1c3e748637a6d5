package store

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	raven "github.com/getsentry/raven-go"
)

// S3 is a store kept in an S3 bucket. Keys are Prefix + key. It serves as
// the source of builtin bundles for hosts that ship their base content in
// a bucket, and as the origin behind a content server.
// Do not change Bucket or Prefix concurrently with calls using the structure.
type S3 struct {
	svc      *s3.S3
	uploader *s3manager.Uploader
	Bucket   string
	Prefix   string
	sizes    *sizecache
}

var (
	_ Store  = &S3{}
	_ Stater = &S3{}
)

// NewS3 creates a new S3 store. For example if prefix were "game/" then
// Open("b1.zip") reads the object "game/b1.zip" in the bucket. The
// credentials in the session are used for all accesses.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	return &S3{
		Bucket:   bucket,
		Prefix:   prefix,
		svc:      s3.New(awsSession),
		uploader: s3manager.NewUploader(awsSession),
		sizes:    newSizeCache(),
	}
}

// List returns every key under the store's Prefix.
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		err := s.list("", func(key string) { out <- key })
		if err != nil {
			log.Println("S3 List:", s.Prefix, err)
		}
	}()
	return out
}

// ListPrefix returns the keys in this store that have the given prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	err := s.list(prefix, func(key string) { result = append(result, key) })
	if err != nil {
		log.Println("S3 ListPrefix:", s.Prefix, prefix, err)
	}
	return result, err
}

func (s *S3) list(prefix string, fn func(string)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	err := s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				key := strings.TrimPrefix(*item.Key, s.Prefix)
				if item.Size != nil {
					s.sizes.Set(key, *item.Size)
				}
				fn(key)
			}
			return true
		})
	if err != nil {
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix + prefix})
	}
	return err
}

// Open returns a reader for key. Data is fetched with ranged GETs as it is
// read.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	size, err := s.Stat(key)
	if err != nil {
		return nil, 0, err
	}
	return &s3Reader{s: s, key: s.Prefix + key, size: size}, size, nil
}

// Stat returns the size of key. Sizes and misses are remembered for a while
// so repeated existence checks do not each cost a HEAD request.
func (s *S3) Stat(key string) (int64, error) {
	return s.sizes.Get(key, s.head)
}

func (s *S3) head(key string) (int64, error) {
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return sizeDeleted, ErrNotExist
		}
		return 0, err
	}
	if info.ContentLength == nil {
		return 0, nil
	}
	return *info.ContentLength, nil
}

func isStatus(err error, code int) bool {
	e, ok := err.(awserr.RequestFailure)
	return ok && e.StatusCode() == code
}

// Create uploads a new object. The upload runs while the returned writer is
// written to and Close waits for it to finish. It is an error to create a
// key which already exists.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	if _, err := s.Stat(key); err == nil {
		return nil, ErrKeyExists
	} else if err != ErrNotExist {
		return nil, err
	}
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.Prefix + key),
			Body:   pr,
		})
		if err != nil {
			raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Key": s.Prefix + key})
		}
		pr.CloseWithError(err)
		s.sizes.Set(key, 0)
		w.done <- err
	}()
	return w, nil
}

// Delete removes key. It is not an error if the key does not exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}
	s.sizes.Set(key, sizeDeleted)
	return nil
}

type s3Writer struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *s3Writer) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *s3Writer) Close() error {
	w.pw.Close()
	return <-w.done
}

// readAhead is how much is requested from S3 at a time. Bundles are mostly
// read front to back by the zip reader, so one window is kept.
const readAhead = 4 * 1024 * 1024

// s3Reader adapts ranged GETs to io.ReaderAt. It is not safe for use by
// more than one goroutine.
type s3Reader struct {
	s      *S3
	key    string
	size   int64
	window []byte
	offset int64 // of window
}

func (r *s3Reader) ReadAt(p []byte, off int64) (int, error) {
	var n int
	for len(p) > 0 && off < r.size {
		if off < r.offset || off >= r.offset+int64(len(r.window)) {
			if err := r.fill(off); err != nil {
				return n, err
			}
		}
		c := copy(p, r.window[off-r.offset:])
		p = p[c:]
		off += int64(c)
		n += c
	}
	if len(p) > 0 {
		return n, io.EOF
	}
	return n, nil
}

func (r *s3Reader) fill(off int64) error {
	end := off + readAhead
	if end > r.size {
		end = r.size
	}
	out, err := r.s.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(r.s.Bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end-1)),
	})
	if err != nil {
		if isStatus(err, http.StatusRequestedRangeNotSatisfiable) {
			return io.EOF
		}
		log.Println("S3 read:", r.key, off, err)
		return err
	}
	data, err := ioutil.ReadAll(out.Body)
	out.Body.Close()
	if err == nil && len(data) == 0 {
		err = io.EOF
	}
	if err != nil {
		return err
	}
	r.window = data
	r.offset = off
	return nil
}

func (r *s3Reader) Close() error {
	r.window = nil
	return nil
}
