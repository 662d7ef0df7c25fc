// Package objectstore uploads exported datasets to an S3-compatible bucket.
package objectstore

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Config holds the connection settings for an S3-compatible endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Environment variables read by ConfigFromEnv.
const (
	EnvEndpoint  = "SIMHARNESS_S3_ENDPOINT"
	EnvAccessKey = "SIMHARNESS_S3_ACCESS_KEY"
	EnvSecretKey = "SIMHARNESS_S3_SECRET_KEY"
	EnvRegion    = "SIMHARNESS_S3_REGION"
	EnvUseSSL    = "SIMHARNESS_S3_USE_SSL"
)

// ConfigFromEnv builds a Config from environment variables, using getenv to
// read them (os.Getenv in production).
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	str := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	useSSL := true
	if raw := strings.TrimSpace(getenv(EnvUseSSL)); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: invalid boolean %q", EnvUseSSL, raw)
		}
		useSSL = v
	}

	cfg := Config{
		Endpoint:  str(EnvEndpoint, ""),
		AccessKey: str(EnvAccessKey, ""),
		SecretKey: str(EnvSecretKey, ""),
		Region:    str(EnvRegion, "us-east-1"),
		UseSSL:    useSSL,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every required setting is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// Target is a bucket and object key.
type Target struct {
	Bucket string
	Key    string
}

func (t Target) String() string {
	return "s3://" + t.Bucket + "/" + t.Key
}

// ParseTarget parses "s3://bucket/key". A key ending in "/" is a prefix;
// the object name is then appended by WithDefaultName.
func ParseTarget(raw string) (Target, error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return Target{}, fmt.Errorf("target %q: expected s3://bucket/key", raw)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Target{}, fmt.Errorf("target %q: bucket is required", raw)
	}
	return Target{Bucket: bucket, Key: key}, nil
}

// WithDefaultName fills in name when the key is empty or a prefix.
func (t Target) WithDefaultName(name string) Target {
	if t.Key == "" || strings.HasSuffix(t.Key, "/") {
		t.Key = path.Join(t.Key, name)
	}
	return t
}
