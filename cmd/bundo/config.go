package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/ndlib/bundo/backend"
	"github.com/ndlib/bundo/cache"
)

// config is the contents of the optional TOML configuration file. Command
// line flags override it.
type config struct {
	CacheDir string `toml:"cache"`
	Database string `toml:"database"` // "memory", "mysql:<dial>" or empty
	Level    string `toml:"level"`
	Workers  int    `toml:"workers"`

	// download settings
	RateLimit  float64  `toml:"rate"` // bytes per second
	CheckSpace bool     `toml:"check_space"`
	Timeout    duration `toml:"timeout"`
	Retries    int      `toml:"retries"`

	// content server settings
	Location string `toml:"location"`
	Port     string `toml:"port"`

	Sentry string `toml:"sentry"`

	Packages map[string]packageConfig `toml:"package"`
}

// packageConfig says where a package is downloaded from. Either Main or
// Bucket should be set.
type packageConfig struct {
	Main     string `toml:"main"`
	Fallback string `toml:"fallback"`

	// presigned S3 downloads
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Endpoint string `toml:"endpoint"`

	// Builtin is a location, as for the content server, holding bundles
	// which ship with the application.
	Builtin string `toml:"builtin"`
	Unpack  bool   `toml:"unpack"`
}

// duration lets TOML strings like "30s" be read as time.Duration.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func loadConfig(path string) (*config, error) {
	cfg := &config{Port: "14400"}
	if path == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) level() (cache.Level, error) {
	if c.Level == "" {
		return cache.LevelHigh, nil
	}
	return cache.ParseLevel(c.Level)
}

// hosts returns the resolver for a package.
func (pc packageConfig) hosts() backend.HostResolver {
	if pc.Bucket == "" {
		return backend.StaticHosts{Main: pc.Main, Fallback: pc.Fallback}
	}
	conf := &aws.Config{}
	if pc.Endpoint != "" {
		conf.Endpoint = aws.String(pc.Endpoint)
		conf.Region = aws.String("us-east-1")
		conf.S3ForcePathStyle = aws.Bool(true)
	}
	h := backend.NewS3Hosts(pc.Bucket, pc.Prefix, session.New(conf))
	if pc.Main != "" {
		h.Fallback = backend.StaticHosts{Main: pc.Main}
	}
	return h
}
