// Package dataset reads labeled sessions for model comparison.
package dataset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/intentlab/intent/internal/eval"
	"github.com/intentlab/intent/internal/schema"
)

// RowIDColumn is dropped from every source.
const RowIDColumn = "row_id"

// DefaultLabelColumn holds the observed purchase outcome.
const DefaultLabelColumn = "Revenue"

// Options control how columns become inputs.
type Options struct {
	// LabelColumn defaults to DefaultLabelColumn.
	LabelColumn string
	// Drop lists extra columns to ignore.
	Drop []string
	// Schema, when set, restricts inputs to declared features.
	Schema *schema.Schema
}

func (o Options) label() string {
	if o.LabelColumn == "" {
		return DefaultLabelColumn
	}
	return o.LabelColumn
}

// keep reports whether a column becomes an input field.
func (o Options) keep(col string) bool {
	if col == RowIDColumn || col == o.label() {
		return false
	}
	for _, d := range o.Drop {
		if d == col {
			return false
		}
	}
	if o.Schema != nil {
		_, ok := o.Schema.Position(col)
		return ok
	}
	return true
}

// ParseLabel maps a label cell to a bool.
func ParseLabel(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int:
		return x != 0, nil
	case int16:
		return x != 0, nil
	case int32:
		return x != 0, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("dataset: label %q is not boolean", x)
		}
		return b, nil
	case nil:
		return false, fmt.Errorf("dataset: label is null")
	default:
		return false, fmt.Errorf("dataset: label of type %T is not boolean", v)
	}
}

// Positives counts the positive labels in rows.
func Positives(rows []eval.LabeledRow) int {
	n := 0
	for _, r := range rows {
		if r.Label {
			n++
		}
	}
	return n
}
