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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step operations.
const (
	OpScan    = "scan"
	OpFilter  = "filter"
	OpProject = "project"
	OpMap     = "map"
	OpSort    = "sort"
	OpWindow  = "window"
	OpLateral = "lateral"
	OpSink    = "sink"
)

// Row file formats.
const (
	FormatCSV     = "csv"
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"
)

// Pipeline is a parsed pipeline file.
type Pipeline struct {
	Config map[string]any `yaml:"config"`
	Steps  []Step         `yaml:"steps"`
}

// Step is one entry of a pipeline's steps list. Which fields apply depends
// on Op.
type Step struct {
	Op string `yaml:"op"`

	// scan
	Source string      `yaml:"source,omitempty"`
	Schema []ColumnDef `yaml:"schema,omitempty"`

	// filter, and map as "col AS alias, ..."
	Expr string `yaml:"expr,omitempty"`

	// project
	Columns []string `yaml:"columns,omitempty"`

	// sort
	By []string `yaml:"by,omitempty"`

	// window
	Partitions []string      `yaml:"partitions,omitempty"`
	OrderBy    []string      `yaml:"order_by,omitempty"`
	Functions  []FunctionDef `yaml:"functions,omitempty"`

	// lateral
	Column    string `yaml:"column,omitempty"`
	Alias     string `yaml:"alias,omitempty"`
	Delimiter string `yaml:"delimiter,omitempty"`

	// sink
	Destination string `yaml:"destination,omitempty"`

	// scan and sink
	Format string `yaml:"format,omitempty"`
}

// ColumnDef declares one source column.
type ColumnDef struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable *bool  `yaml:"nullable,omitempty"`
}

// IsNullable defaults to true when unset.
func (c ColumnDef) IsNullable() bool {
	return c.Nullable == nil || *c.Nullable
}

// FunctionDef declares one window function.
type FunctionDef struct {
	Alias  string `yaml:"alias"`
	Type   string `yaml:"type"`
	Column string `yaml:"column,omitempty"`
}

// LoadPipeline reads and validates a pipeline file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParsePipeline decodes and validates pipeline YAML. Unknown fields are
// rejected.
func ParsePipeline(data []byte) (*Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the step structure. Operator-level checks such as column
// names and function types happen when the plan is built.
func (p *Pipeline) Validate() error {
	if len(p.Steps) < 2 {
		return errors.New("pipeline needs at least a scan and a sink step")
	}
	if op := p.Steps[0].Op; op != OpScan {
		return fmt.Errorf("step 1: first step must be %q, got %q", OpScan, op)
	}
	if op := p.Steps[len(p.Steps)-1].Op; op != OpSink {
		return fmt.Errorf("step %d: last step must be %q, got %q", len(p.Steps), OpSink, op)
	}
	for i, s := range p.Steps {
		if err := s.validate(i, len(p.Steps)); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, s.Op, err)
		}
	}
	return nil
}

func (s Step) validate(i, n int) error {
	switch s.Op {
	case OpScan:
		if i != 0 {
			return errors.New("scan is only allowed as the first step")
		}
		if s.Source == "" {
			return errors.New("source is required")
		}
		if len(s.Schema) == 0 {
			return errors.New("schema is required")
		}
		for _, c := range s.Schema {
			if c.Name == "" {
				return errors.New("schema column without a name")
			}
		}
		_, err := s.FileFormat(s.Source)
		return err
	case OpSink:
		if i != n-1 {
			return errors.New("sink is only allowed as the last step")
		}
		if s.Destination == "" {
			return errors.New("destination is required")
		}
		_, err := s.FileFormat(s.Destination)
		return err
	case OpFilter, OpMap:
		if strings.TrimSpace(s.Expr) == "" {
			return errors.New("expr is required")
		}
	case OpProject:
		if len(s.Columns) == 0 {
			return errors.New("columns is required")
		}
	case OpSort:
		if len(s.By) == 0 {
			return errors.New("by is required")
		}
	case OpWindow:
		if len(s.Functions) == 0 {
			return errors.New("at least one function is required")
		}
		for _, f := range s.Functions {
			if f.Alias == "" || f.Type == "" {
				return errors.New("functions need an alias and a type")
			}
		}
	case OpLateral:
		if s.Column == "" || s.Alias == "" {
			return errors.New("column and alias are required")
		}
	case "":
		return errors.New("op is required")
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}

// FileFormat returns the explicit format or infers it from path's
// extension.
func (s Step) FileFormat(path string) (string, error) {
	f := strings.ToLower(s.Format)
	if f == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			f = FormatCSV
		case ".jsonl", ".ndjson", ".json":
			f = FormatJSONL
		case ".parquet":
			f = FormatParquet
		default:
			return "", fmt.Errorf("cannot infer format of %q, set format", path)
		}
	}
	switch f {
	case FormatCSV, FormatJSONL:
		return f, nil
	case FormatParquet:
		if s.Op == OpScan {
			return "", errors.New("parquet sources are not supported")
		}
		return f, nil
	case "ndjson":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("unknown format %q", s.Format)
	}
}
