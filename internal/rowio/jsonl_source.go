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

package rowio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// maxJSONLine bounds a single JSON Lines record.
const maxJSONLine = 16 << 20

// JSONLSource reads one JSON object per line. Keys are matched to schema
// columns by name; absent keys and JSON null read as null. Blank lines are
// skipped.
type JSONLSource struct {
	path   string
	f      *os.File
	sc     *bufio.Scanner
	schema *pipeline.Schema
	line   int
}

func OpenJSONL(path string, schema *pipeline.Schema) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxJSONLine)
	return &JSONLSource{path: path, f: f, sc: sc, schema: schema}, nil
}

func (s *JSONLSource) Schema() *pipeline.Schema { return s.schema }

// Read returns up to max rows, or io.EOF once the file is exhausted.
func (s *JSONLSource) Read(ctx context.Context, max int) ([]pipeline.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := make([]pipeline.Row, 0, max)
	for len(rows) < max && s.sc.Scan() {
		s.line++
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		row, err := s.decode(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", s.path, s.line, err)
		}
		rows = append(rows, row)
	}
	if err := s.sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return rows, nil
}

func (s *JSONLSource) decode(line []byte) (pipeline.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	row := make(pipeline.Row, s.schema.Len())
	for i := range row {
		field := s.schema.Field(i)
		raw, ok := obj[field.Name]
		if !ok || raw == nil {
			continue
		}
		v, err := convertJSON(field.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", field.Name, err)
		}
		row[i] = v
	}
	if err := pipeline.CheckRow(s.schema, row); err != nil {
		return nil, err
	}
	return row, nil
}

// convertJSON maps a decoded JSON value onto dt. Numbers and strings are
// both accepted for numeric columns; Binary takes base64 text.
func convertJSON(dt pipeline.DataType, raw any) (any, error) {
	switch x := raw.(type) {
	case json.Number:
		if dt == pipeline.DataTypeUtf8 {
			return x.String(), nil
		}
		if !dt.IsNumeric() {
			return nil, fmt.Errorf("number %s for %s column", x, dt)
		}
		return pipeline.ParseValue(dt, x.String())
	case string:
		switch {
		case dt == pipeline.DataTypeBinary:
			b, err := base64.StdEncoding.DecodeString(x)
			if err != nil {
				return nil, fmt.Errorf("binary value is not base64: %w", err)
			}
			return b, nil
		default:
			return pipeline.ParseValue(dt, x)
		}
	case bool:
		switch dt {
		case pipeline.DataTypeBool:
			return x, nil
		case pipeline.DataTypeUtf8:
			return strconv.FormatBool(x), nil
		}
		return nil, fmt.Errorf("boolean for %s column", dt)
	default:
		return nil, errors.New("nested JSON values are not supported")
	}
}

func (s *JSONLSource) Close() error { return s.f.Close() }
