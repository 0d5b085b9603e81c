package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/intentlab/intent/internal/eval"
	"github.com/intentlab/intent/internal/schema"
)

// ReadCSV reads a headed CSV. Cells stay strings; the schema coerces them
// at prediction time.
func ReadCSV(r io.Reader, opts Options) ([]eval.LabeledRow, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("dataset: empty csv")
		}
		return nil, fmt.Errorf("dataset: read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	labelAt := -1
	for i, col := range header {
		if col == opts.label() {
			labelAt = i
		}
	}
	if labelAt < 0 {
		return nil, fmt.Errorf("dataset: label column %q not in header", opts.label())
	}
	keep := make([]bool, len(header))
	for i, col := range header {
		keep[i] = opts.keep(col)
	}

	var rows []eval.LabeledRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: %w", err)
		}
		label, err := ParseLabel(rec[labelAt])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		in := make(schema.RawInput, len(rec))
		for i, cell := range rec {
			if keep[i] {
				in[header[i]] = cell
			}
		}
		rows = append(rows, eval.LabeledRow{Input: in, Label: label})
	}
	if len(rows) == 0 {
		return nil, errors.New("dataset: csv has no rows")
	}
	return rows, nil
}

// ReadCSVFile opens path and calls ReadCSV.
func ReadCSVFile(path string, opts Options) ([]eval.LabeledRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, opts)
}
