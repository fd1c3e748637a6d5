package backend

import (
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// A HostResolver gives the main and fallback URLs of a package's file.
// The fallback may be empty.
type HostResolver interface {
	URLs(pkg, file string) (main, fallback string)
}

// StaticHosts resolves files under two fixed base URLs, as
// base/package/file.
type StaticHosts struct {
	Main     string
	Fallback string
}

func (h StaticHosts) URLs(pkg, file string) (string, string) {
	main := joinURL(h.Main, pkg, file)
	var fallback string
	if h.Fallback != "" {
		fallback = joinURL(h.Fallback, pkg, file)
	}
	return main, fallback
}

func joinURL(base, pkg, file string) string {
	var parts []string
	for _, p := range strings.Split(file, "/") {
		parts = append(parts, url.PathEscape(p))
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(pkg) + "/" + strings.Join(parts, "/")
}

// S3Hosts hands out presigned GET URLs for objects in a bucket, so private
// buckets can be downloaded from without giving clients credentials. Keys
// are Prefix + package + "/" + file.
type S3Hosts struct {
	svc    *s3.S3
	Bucket string
	Prefix string

	// Expire is how long each URL is valid. Defaults to an hour.
	Expire time.Duration

	// Fallback supplies the fallback URL. May be nil.
	Fallback HostResolver
}

// NewS3Hosts returns a resolver presigning with the credentials in the
// session.
func NewS3Hosts(bucket, prefix string, awsSession *session.Session) *S3Hosts {
	return &S3Hosts{
		svc:    s3.New(awsSession),
		Bucket: bucket,
		Prefix: prefix,
	}
}

func (h *S3Hosts) URLs(pkg, file string) (string, string) {
	expire := h.Expire
	if expire <= 0 {
		expire = time.Hour
	}
	req, _ := h.svc.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(h.Bucket),
		Key:    aws.String(h.Prefix + pkg + "/" + file),
	})
	main, err := req.Presign(expire)
	if err != nil {
		log.Printf("S3 presign %s/%s: %s", pkg, file, err.Error())
	}
	var fallback string
	if h.Fallback != nil {
		fallback, _ = h.Fallback.URLs(pkg, file)
	}
	return main, fallback
}
