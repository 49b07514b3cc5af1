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

// Package planner maps the steps of a pipeline file onto a source, a chain
// of operators, and a sink. The mapping is fixed: one operator per step,
// except that a window with an order is preceded by a sort.
package planner

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/cardinalhq/emsqrt/config"
	"github.com/cardinalhq/emsqrt/internal/operators"
	"github.com/cardinalhq/emsqrt/internal/rowio"
	"github.com/cardinalhq/emsqrt/internal/runner"
	"github.com/cardinalhq/emsqrt/pipeline"
)

// Stage is one operator of a plan together with the schema it produces.
type Stage struct {
	Step   int // 1-based index of the pipeline step it came from
	Op     operators.Operator
	Detail string
	Schema *pipeline.Schema
}

// Plan is a fully resolved pipeline.
type Plan struct {
	SourcePath   string
	SourceFormat string
	Input        *pipeline.Schema
	Stages       []Stage
	SinkPath     string
	SinkFormat   string

	sinkStep int
}

// Build resolves every step of p. It checks column references and types
// but opens no files.
func Build(p *config.Pipeline) (*Plan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	scan := p.Steps[0]
	input, err := sourceSchema(scan.Schema)
	if err != nil {
		return nil, fmt.Errorf("step 1 (scan): %w", err)
	}
	srcFormat, err := scan.FileFormat(scan.Source)
	if err != nil {
		return nil, fmt.Errorf("step 1 (scan): %w", err)
	}

	plan := &Plan{
		SourcePath:   scan.Source,
		SourceFormat: srcFormat,
		Input:        input,
	}
	schema := input
	for i, step := range p.Steps[1 : len(p.Steps)-1] {
		num := i + 2
		stages, err := stagesFor(step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", num, step.Op, err)
		}
		for _, st := range stages {
			out, err := st.Op.OutputSchema(schema)
			if err != nil {
				return nil, fmt.Errorf("step %d (%s): %w", num, step.Op, err)
			}
			st.Step = num
			st.Schema = out
			plan.Stages = append(plan.Stages, st)
			schema = out
		}
	}

	sink := p.Steps[len(p.Steps)-1]
	plan.SinkPath = sink.Destination
	plan.sinkStep = len(p.Steps)
	if plan.SinkFormat, err = sink.FileFormat(sink.Destination); err != nil {
		return nil, fmt.Errorf("step %d (sink): %w", len(p.Steps), err)
	}
	return plan, nil
}

func sourceSchema(cols []config.ColumnDef) (*pipeline.Schema, error) {
	fields := make([]pipeline.Field, len(cols))
	for i, c := range cols {
		fields[i] = pipeline.Field{
			Name:     c.Name,
			Type:     pipeline.ParseDataType(c.Type),
			Nullable: c.IsNullable(),
		}
	}
	return pipeline.NewSchema(fields...)
}

func stagesFor(step config.Step) ([]Stage, error) {
	switch step.Op {
	case config.OpFilter:
		f, err := operators.ParseFilter(step.Expr)
		if err != nil {
			return nil, err
		}
		return []Stage{{Op: f, Detail: f.String()}}, nil

	case config.OpProject:
		p, err := operators.NewProject(step.Columns)
		if err != nil {
			return nil, err
		}
		return []Stage{{Op: p, Detail: strings.Join(step.Columns, ", ")}}, nil

	case config.OpMap:
		m, err := operators.ParseMap(step.Expr)
		if err != nil {
			return nil, err
		}
		return []Stage{{Op: m, Detail: m.String()}}, nil

	case config.OpSort:
		keys, err := operators.ParseSortKeys(step.By)
		if err != nil {
			return nil, err
		}
		s, err := operators.NewSort(keys)
		if err != nil {
			return nil, err
		}
		return []Stage{{Op: s, Detail: "by " + joinKeys(keys)}}, nil

	case config.OpWindow:
		return windowStages(step)

	case config.OpLateral:
		l, err := operators.NewLateralExplode(step.Column, step.Alias, step.Delimiter)
		if err != nil {
			return nil, err
		}
		return []Stage{{Op: l, Detail: fmt.Sprintf("%s split %q as %s", l.Column, l.Delimiter, l.Alias)}}, nil
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

// windowStages builds a window. With order_by set, rows are sorted on the
// partition columns and then the order, so each partition arrives
// contiguous and in order, and the window can emit on every key change.
func windowStages(step config.Step) ([]Stage, error) {
	funcs := make([]operators.WindowFunc, len(step.Functions))
	names := make([]string, len(step.Functions))
	for i, fd := range step.Functions {
		kind, err := operators.ParseFuncKind(fd.Type)
		if err != nil {
			return nil, fmt.Errorf("function %q: %w", fd.Alias, err)
		}
		funcs[i] = operators.WindowFunc{Alias: fd.Alias, Kind: kind, Column: fd.Column}
		names[i] = fd.Alias + "=" + kind.String()
		if fd.Column != "" {
			names[i] += "(" + fd.Column + ")"
		}
	}

	var order []operators.SortKey
	if len(step.OrderBy) > 0 {
		var err error
		if order, err = operators.ParseSortKeys(step.OrderBy); err != nil {
			return nil, err
		}
	}

	cfg := operators.WindowConfig{
		Partitions: step.Partitions,
		OrderBy:    order,
		Funcs:      funcs,
		Clustered:  len(order) > 0,
	}
	w, err := operators.NewWindow(cfg)
	if err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("partition by [%s] order by [%s] %s",
		strings.Join(step.Partitions, ", "), joinKeys(order), strings.Join(names, ", "))
	if len(order) == 0 {
		return []Stage{{Op: w, Detail: detail}}, nil
	}

	keys := make([]operators.SortKey, 0, len(step.Partitions)+len(order))
	for _, p := range step.Partitions {
		keys = append(keys, operators.SortKey{Column: p})
	}
	keys = append(keys, order...)
	s, err := operators.NewSort(keys)
	if err != nil {
		return nil, err
	}
	return []Stage{
		{Op: s, Detail: "by " + joinKeys(keys) + " (for window)"},
		{Op: w, Detail: detail + " clustered"},
	}, nil
}

func joinKeys(keys []operators.SortKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, ", ")
}

// Operators returns the operator chain in order.
func (p *Plan) Operators() []operators.Operator {
	ops := make([]operators.Operator, len(p.Stages))
	for i, st := range p.Stages {
		ops[i] = st.Op
	}
	return ops
}

// Output is the schema delivered to the sink.
func (p *Plan) Output() *pipeline.Schema {
	if len(p.Stages) == 0 {
		return p.Input
	}
	return p.Stages[len(p.Stages)-1].Schema
}

// OpenSource opens the scan file.
func (p *Plan) OpenSource() (runner.Source, error) {
	switch p.SourceFormat {
	case config.FormatCSV:
		return rowio.OpenCSV(p.SourcePath, p.Input)
	case config.FormatJSONL:
		return rowio.OpenJSONL(p.SourcePath, p.Input)
	}
	return nil, fmt.Errorf("unsupported source format %q", p.SourceFormat)
}

// CreateSink stages the output file. Nothing appears at SinkPath until the
// sink is committed.
func (p *Plan) CreateSink() (runner.Sink, error) {
	switch p.SinkFormat {
	case config.FormatCSV:
		return rowio.CreateCSV(p.SinkPath, p.Output())
	case config.FormatJSONL:
		return rowio.CreateJSONL(p.SinkPath, p.Output())
	case config.FormatParquet:
		return rowio.CreateParquet(p.SinkPath, p.Output())
	}
	return nil, fmt.Errorf("unsupported sink format %q", p.SinkFormat)
}

// Explain writes the stage chain with each stage's output schema.
func (p *Plan) Explain(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(w, "STEP\tSTAGE\tDETAIL\tSCHEMA"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "1\tscan\t%s %s\t%s\n", p.SourceFormat, p.SourcePath, p.Input); err != nil {
		return err
	}
	for _, st := range p.Stages {
		if _, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", st.Step, st.Op.Name(), st.Detail, st.Schema); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%d\tsink\t%s %s\t%s\n", p.sinkStep, p.SinkFormat, p.SinkPath, p.Output()); err != nil {
		return err
	}
	return w.Flush()
}
