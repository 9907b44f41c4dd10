package frame

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// GoTypeName is the type name reported by frames built in-process.
const GoTypeName = "function-harness/internal/frame.Frame"

// Frame is a tabular value carried as CSV. Frames produced by a foreign
// runtime keep the fully qualified name of the type they were converted from
// in Origin so they can be matched against the tabular type registry.
type Frame struct {
	Origin  string   `json:"origin,omitempty"`
	Columns []string `json:"columns"`
	Data    []byte   `json:"data"` // CSV including the header row
}

// FromRecords builds a frame from a header and rows.
func FromRecords(columns []string, rows [][]string) (*Frame, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d fields, want %d", i, len(row), len(columns))
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("writing row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return &Frame{Columns: columns, Data: buf.Bytes()}, nil
}

// TypeName returns the origin type name, or GoTypeName for native frames.
func (f *Frame) TypeName() string {
	if f.Origin != "" {
		return f.Origin
	}
	return GoTypeName
}

// Records parses the CSV payload, excluding the header row.
func (f *Frame) Records() ([][]string, error) {
	records, err := csv.NewReader(bytes.NewReader(f.Data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[1:], nil
}

// Len returns the number of data rows.
func (f *Frame) Len() int {
	rows, err := f.Records()
	if err != nil {
		return 0
	}
	return len(rows)
}
