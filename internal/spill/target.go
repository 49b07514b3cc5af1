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

package spill

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Target is a backing store for spill segments. Keys are slash-separated
// and relative to the target's root. Implementations must make Delete
// idempotent and report a missing key on Get with errObjectNotFound.
type Target interface {
	Kind() string
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// prefixRemover is implemented by targets that can drop an emptied run
// prefix after every segment is gone.
type prefixRemover interface {
	RemovePrefix(ctx context.Context, prefix string) error
}

// TargetConfig is the resolved description of where spills go.
type TargetConfig struct {
	// URI is a local path, file://, s3://, gs://, azure:// or az:// URI.
	// When empty, Dir is used.
	URI string
	Dir string

	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	AzureAccessKey string
}

// Location is a parsed spill URI.
type Location struct {
	Scheme  string // "file", "s3", "gs", "azure"
	Path    string // local directory for "file"
	Account string // azure storage account
	Bucket  string // bucket or container
	Prefix  string // key prefix without leading or trailing slash
}

// ParseURI interprets a spill URI.
func ParseURI(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("empty spill URI")
	}
	if !strings.Contains(raw, "://") {
		return Location{Scheme: "file", Path: filepath.Clean(raw)}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parse spill URI %q: %w", raw, err)
	}
	prefix := strings.Trim(u.Path, "/")
	switch strings.ToLower(u.Scheme) {
	case "file":
		p := u.Path
		if u.Host != "" && u.Host != "localhost" {
			p = "/" + u.Host + u.Path
		}
		if p == "" {
			return Location{}, fmt.Errorf("file URI %q has no path", raw)
		}
		return Location{Scheme: "file", Path: filepath.Clean(filepath.FromSlash(p))}, nil
	case "s3", "s3a":
		if u.Host == "" {
			return Location{}, fmt.Errorf("s3 URI %q has no bucket", raw)
		}
		return Location{Scheme: "s3", Bucket: u.Host, Prefix: prefix}, nil
	case "gs", "gcs":
		if u.Host == "" {
			return Location{}, fmt.Errorf("gs URI %q has no bucket", raw)
		}
		return Location{Scheme: "gs", Bucket: u.Host, Prefix: prefix}, nil
	case "azure", "az", "abfs":
		container, rest, _ := strings.Cut(prefix, "/")
		if u.Host == "" || container == "" {
			return Location{}, fmt.Errorf("azure URI %q must be azure://account/container[/prefix]", raw)
		}
		return Location{Scheme: "azure", Account: u.Host, Bucket: container, Prefix: rest}, nil
	default:
		return Location{}, fmt.Errorf("unsupported spill URI scheme %q", u.Scheme)
	}
}

// NewTarget builds the target described by cfg.
func NewTarget(ctx context.Context, cfg TargetConfig) (Target, error) {
	raw := cfg.URI
	if raw == "" {
		raw = cfg.Dir
	}
	loc, err := ParseURI(raw)
	if err != nil {
		return nil, err
	}
	switch loc.Scheme {
	case "file":
		return NewLocalTarget(loc.Path)
	case "s3", "gs":
		return NewS3Target(ctx, loc, cfg)
	case "azure":
		return NewAzureTarget(ctx, loc, cfg)
	default:
		return nil, fmt.Errorf("unsupported spill target %q", loc.Scheme)
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
