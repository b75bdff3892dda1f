package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"mdmguard/internal/model"
)

// CSVParser reads a CSV log whose first record is the header. Rows are
// padded or truncated to the header width.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(r io.Reader) (*model.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true
	t := &model.Table{}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if p.header == nil {
			if isBlank(record) {
				continue
			}
			p.header = normalizeHeader(record)
			t.Columns = p.header
			continue
		}
		if isBlank(record) {
			continue
		}
		t.Rows = append(t.Rows, fitRow(record, len(p.header)))
	}
	if p.header == nil {
		return nil, errors.New("csv has no header")
	}
	return t, nil
}

func ReadCSV(r io.Reader) (*model.Table, error) {
	return NewCSVParser().Parse(r)
}

func WriteCSV(w io.Writer, t *model.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := cw.Write(fitRow(row, len(t.Columns))); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		v = strings.TrimPrefix(v, "\ufeff")
		out[i] = strings.TrimSpace(v)
	}
	return out
}

func fitRow(record []string, width int) []string {
	if len(record) == width {
		return record
	}
	row := make([]string, width)
	copy(row, record)
	return row
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
