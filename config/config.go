// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/cardinalhq/emsqrt/internal/helpers"
	"github.com/cardinalhq/emsqrt/internal/spill"
)

// EngineConfig is the fully resolved configuration of one run. It does not
// change while the run executes.
type EngineConfig struct {
	MemoryCap int64

	SpillDir string
	SpillURI string

	SpillAWSRegion          string
	SpillAWSEndpoint        string
	SpillAWSUsePathStyle    bool
	SpillAWSAccessKeyID     string
	SpillAWSSecretAccessKey string
	SpillAWSSessionToken    string
	SpillAzureAccessKey     string

	SpillRetry spill.RetryPolicy
	SpillCodec spill.Codec

	MaxSpillConcurrency int
	MaxParallelTasks    int
	BatchSize           int
}

// settings mirrors the flat configuration keys. Environment variables are
// the upper-cased keys with an EMSQRT_ prefix, so "spill_dir" is read from
// EMSQRT_SPILL_DIR.
type settings struct {
	MemoryCap string `mapstructure:"memory_cap"`

	SpillDir string `mapstructure:"spill_dir"`
	SpillURI string `mapstructure:"spill_uri"`

	SpillAWSRegion          string `mapstructure:"spill_aws_region"`
	SpillAWSEndpoint        string `mapstructure:"spill_aws_endpoint"`
	SpillAWSUsePathStyle    bool   `mapstructure:"spill_aws_use_path_style"`
	SpillAWSAccessKeyID     string `mapstructure:"spill_aws_access_key_id"`
	SpillAWSSecretAccessKey string `mapstructure:"spill_aws_secret_access_key"`
	SpillAWSSessionToken    string `mapstructure:"spill_aws_session_token"`
	SpillAzureAccessKey     string `mapstructure:"spill_azure_access_key"`

	SpillRetryMax       int    `mapstructure:"spill_retry_max"`
	SpillRetryInitialMS int64  `mapstructure:"spill_retry_initial_ms"`
	SpillRetryMaxMS     int64  `mapstructure:"spill_retry_max_ms"`
	SpillRetryTimeout   string `mapstructure:"spill_retry_timeout"`
	SpillCodec          string `mapstructure:"spill_codec"`

	MaxSpillConcurrency int `mapstructure:"max_spill_concurrency"`
	MaxParallelTasks    int `mapstructure:"max_parallel_tasks"`
	BatchSize           int `mapstructure:"batch_size"`
}

// DefaultSpillDir is where local spills go when nothing else is set.
func DefaultSpillDir() string {
	return filepath.Join(os.TempDir(), "emsqrt-spill")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("memory_cap", "512MiB")
	v.SetDefault("spill_dir", DefaultSpillDir())
	v.SetDefault("spill_retry_max", 3)
	v.SetDefault("spill_retry_initial_ms", 200)
	v.SetDefault("spill_retry_max_ms", 5000)
	v.SetDefault("spill_retry_timeout", "30s")
	v.SetDefault("spill_codec", "zstd")
	v.SetDefault("max_spill_concurrency", 4)
	v.SetDefault("max_parallel_tasks", 4)
	v.SetDefault("batch_size", 1024)
}

// Keys lists every configuration key.
func Keys() []string {
	var keys []string
	typ := reflect.TypeOf(settings{})
	for i := 0; i < typ.NumField(); i++ {
		keys = append(keys, typ.Field(i).Tag.Get("mapstructure"))
	}
	return keys
}

// Load resolves an EngineConfig. Layers, lowest first: defaults, EMSQRT_*
// environment variables, the pipeline file's config block, then flags.
// Either map may be nil. Keys are the names returned by Keys.
func Load(file, flags map[string]any) (*EngineConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("EMSQRT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	bindEnvs(v, settings{})

	known := Keys()
	for _, layer := range []struct {
		name string
		vals map[string]any
	}{{"pipeline config", file}, {"flag", flags}} {
		for k, val := range layer.vals {
			if !slices.Contains(known, k) {
				return nil, fmt.Errorf("%s: unknown key %q", layer.name, k)
			}
			v.Set(k, val)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyCredentialFallback(&s)
	return s.resolve()
}

// applyCredentialFallback fills cloud settings from the SDKs' own
// environment variables when no EMSQRT_ value or override supplied them.
func applyCredentialFallback(s *settings) {
	if s.SpillAWSAccessKeyID == "" && s.SpillAWSSecretAccessKey == "" {
		id, okID := helpers.FirstEnv("AWS_ACCESS_KEY_ID")
		secret, okSecret := helpers.FirstEnv("AWS_SECRET_ACCESS_KEY")
		if okID && okSecret {
			s.SpillAWSAccessKeyID = id
			s.SpillAWSSecretAccessKey = secret
			if s.SpillAWSSessionToken == "" {
				s.SpillAWSSessionToken, _ = helpers.FirstEnv("AWS_SESSION_TOKEN")
			}
		}
	}
	if s.SpillAWSRegion == "" {
		s.SpillAWSRegion, _ = helpers.FirstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if s.SpillAzureAccessKey == "" {
		s.SpillAzureAccessKey, _ = helpers.FirstEnv("AZURE_STORAGE_KEY", "AZURE_STORAGE_ACCOUNT_KEY")
	}
}

func (s settings) resolve() (*EngineConfig, error) {
	memCap, err := ParseByteSize(s.MemoryCap)
	if err != nil {
		return nil, fmt.Errorf("memory_cap: %w", err)
	}
	timeout, err := parseSeconds(s.SpillRetryTimeout)
	if err != nil {
		return nil, fmt.Errorf("spill_retry_timeout: %w", err)
	}
	codec, err := spill.ParseCodec(s.SpillCodec)
	if err != nil {
		return nil, fmt.Errorf("spill_codec: %w", err)
	}

	cfg := &EngineConfig{
		MemoryCap:               memCap,
		SpillDir:                s.SpillDir,
		SpillURI:                s.SpillURI,
		SpillAWSRegion:          s.SpillAWSRegion,
		SpillAWSEndpoint:        s.SpillAWSEndpoint,
		SpillAWSUsePathStyle:    s.SpillAWSUsePathStyle,
		SpillAWSAccessKeyID:     s.SpillAWSAccessKeyID,
		SpillAWSSecretAccessKey: s.SpillAWSSecretAccessKey,
		SpillAWSSessionToken:    s.SpillAWSSessionToken,
		SpillAzureAccessKey:     s.SpillAzureAccessKey,
		SpillRetry: spill.RetryPolicy{
			MaxAttempts:    s.SpillRetryMax,
			InitialBackoff: time.Duration(s.SpillRetryInitialMS) * time.Millisecond,
			MaxBackoff:     time.Duration(s.SpillRetryMaxMS) * time.Millisecond,
			Timeout:        timeout,
		},
		SpillCodec:          codec,
		MaxSpillConcurrency: s.MaxSpillConcurrency,
		MaxParallelTasks:    s.MaxParallelTasks,
		BatchSize:           s.BatchSize,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseSeconds accepts a Go duration ("30s", "1m") or a bare number of
// seconds.
func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Validate checks value ranges and the spill URI.
func (c *EngineConfig) Validate() error {
	switch {
	case c.MemoryCap <= 0:
		return fmt.Errorf("memory_cap must be positive")
	case c.SpillRetry.MaxAttempts < 1:
		return fmt.Errorf("spill_retry_max must be at least 1")
	case c.SpillRetry.InitialBackoff < 0 || c.SpillRetry.MaxBackoff < c.SpillRetry.InitialBackoff:
		return fmt.Errorf("spill retry backoff must satisfy 0 <= initial <= max")
	case c.SpillRetry.Timeout < 0:
		return fmt.Errorf("spill_retry_timeout must not be negative")
	case c.MaxSpillConcurrency < 1:
		return fmt.Errorf("max_spill_concurrency must be at least 1")
	case c.MaxParallelTasks < 1:
		return fmt.Errorf("max_parallel_tasks must be at least 1")
	case c.BatchSize < 1:
		return fmt.Errorf("batch_size must be at least 1")
	case c.SpillURI == "" && c.SpillDir == "":
		return fmt.Errorf("one of spill_uri or spill_dir is required")
	}
	if c.SpillURI != "" {
		if _, err := spill.ParseURI(c.SpillURI); err != nil {
			return fmt.Errorf("spill_uri: %w", err)
		}
	}
	return nil
}

// SpillTarget describes where spills go.
func (c *EngineConfig) SpillTarget() spill.TargetConfig {
	return spill.TargetConfig{
		URI:             c.SpillURI,
		Dir:             c.SpillDir,
		Region:          c.SpillAWSRegion,
		Endpoint:        c.SpillAWSEndpoint,
		UsePathStyle:    c.SpillAWSUsePathStyle,
		AccessKeyID:     c.SpillAWSAccessKeyID,
		SecretAccessKey: c.SpillAWSSecretAccessKey,
		SessionToken:    c.SpillAWSSessionToken,
		AzureAccessKey:  c.SpillAzureAccessKey,
	}
}

const redacted = "<redacted>"

// Redacted returns a copy with credentials masked.
func (c EngineConfig) Redacted() EngineConfig {
	for _, s := range []*string{&c.SpillAWSAccessKeyID, &c.SpillAWSSecretAccessKey, &c.SpillAWSSessionToken, &c.SpillAzureAccessKey} {
		if *s != "" {
			*s = redacted
		}
	}
	return c
}

// Describe renders the config as ordered key/value pairs for display.
// Credentials are masked.
func (c EngineConfig) Describe() [][2]string {
	r := c.Redacted()
	return [][2]string{
		{"memory_cap", humanize.IBytes(uint64(r.MemoryCap))},
		{"spill_dir", r.SpillDir},
		{"spill_uri", r.SpillURI},
		{"spill_aws_region", r.SpillAWSRegion},
		{"spill_aws_endpoint", r.SpillAWSEndpoint},
		{"spill_aws_use_path_style", strconv.FormatBool(r.SpillAWSUsePathStyle)},
		{"spill_aws_access_key_id", r.SpillAWSAccessKeyID},
		{"spill_aws_secret_access_key", r.SpillAWSSecretAccessKey},
		{"spill_aws_session_token", r.SpillAWSSessionToken},
		{"spill_azure_access_key", r.SpillAzureAccessKey},
		{"spill_retry_max", strconv.Itoa(r.SpillRetry.MaxAttempts)},
		{"spill_retry_initial", r.SpillRetry.InitialBackoff.String()},
		{"spill_retry_max_backoff", r.SpillRetry.MaxBackoff.String()},
		{"spill_retry_timeout", r.SpillRetry.Timeout.String()},
		{"spill_codec", r.SpillCodec.String()},
		{"max_spill_concurrency", strconv.Itoa(r.MaxSpillConcurrency)},
		{"max_parallel_tasks", strconv.Itoa(r.MaxParallelTasks)},
		{"batch_size", strconv.Itoa(r.BatchSize)},
	}
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
