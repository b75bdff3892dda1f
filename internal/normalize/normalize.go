package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mdmguard/internal/model"
)

// SchemaError means a file cannot be mapped onto the canonical schema. It is
// fatal for that file only.
type SchemaError struct {
	Column string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Column == "" {
		return "schema error: " + e.Reason
	}
	return fmt.Sprintf("schema error: %s: %s", e.Column, e.Reason)
}

type rule struct {
	canonical string
	all       []string
	any       []string
}

func (r rule) match(lc string) bool {
	for _, s := range r.all {
		if !strings.Contains(lc, s) {
			return false
		}
	}
	if len(r.any) == 0 {
		return true
	}
	for _, s := range r.any {
		if strings.Contains(lc, s) {
			return true
		}
	}
	return false
}

// Evaluated in order; the first matching rule claims a source column.
var rules = []rule{
	{canonical: model.ColDeviceID, all: []string{"device", "id"}},
	{canonical: model.ColTimestamp, any: []string{"timestamp", "time"}},
	{canonical: model.ColStatus, any: []string{"status"}},
	{canonical: model.ColMessage, any: []string{"message", "msg"}},
	{canonical: model.ColAppID, all: []string{"app", "id"}},
	{canonical: model.ColEventType, any: []string{"event"}},
}

type Options struct {
	Since time.Time
	Until time.Time
}

type Stats struct {
	Input      int `json:"input"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
	OutOfRange int `json:"out_of_range"`
	Output     int `json:"output"`
}

// MapColumns assigns each source column at most one canonical name. A column
// whose name already equals a canonical name wins over substring matches;
// two substring matches for the same canonical name are a SchemaError.
func MapColumns(columns []string) ([]string, error) {
	out := make([]string, len(columns))
	copy(out, columns)
	exact := map[string]int{}
	for i, c := range columns {
		lc := strings.ToLower(strings.TrimSpace(c))
		for _, r := range rules {
			if lc == r.canonical {
				if j, dup := exact[lc]; dup {
					return nil, &SchemaError{Column: r.canonical, Reason: fmt.Sprintf("columns %q and %q are both named %s", columns[j], c, r.canonical)}
				}
				exact[lc] = i
			}
		}
	}
	claimed := map[string]int{}
	for i, c := range columns {
		lc := strings.ToLower(strings.TrimSpace(c))
		for _, r := range rules {
			if !r.match(lc) {
				continue
			}
			if j, ok := exact[r.canonical]; ok && j != i {
				break
			}
			if j, dup := claimed[r.canonical]; dup {
				return nil, &SchemaError{Column: r.canonical, Reason: fmt.Sprintf("columns %q and %q both match", columns[j], c)}
			}
			claimed[r.canonical] = i
			out[i] = r.canonical
			break
		}
	}
	return out, nil
}

// Normalize renames columns to the canonical schema, coerces timestamps to
// UTC, drops rows without a device id or a parsable timestamp and removes
// exact duplicates. Input order is preserved.
func Normalize(raw *model.Table, opts Options) (*model.Table, Stats, error) {
	var stats Stats
	if raw == nil || len(raw.Columns) == 0 {
		return nil, stats, &SchemaError{Reason: "no columns"}
	}
	columns, err := MapColumns(raw.Columns)
	if err != nil {
		return nil, stats, err
	}
	out := &model.Table{Columns: columns}
	tsCol := out.Index(model.ColTimestamp)
	if tsCol < 0 {
		if columns[0] != raw.Columns[0] {
			return nil, stats, &SchemaError{Column: model.ColTimestamp, Reason: "no timestamp column and first column is " + columns[0]}
		}
		if !anyParses(raw.Rows, 0) {
			return nil, stats, &SchemaError{Column: model.ColTimestamp, Reason: fmt.Sprintf("no timestamp column and first column %q does not parse", raw.Columns[0])}
		}
		out.Columns[0] = model.ColTimestamp
		tsCol = 0
	}
	devCol := out.Index(model.ColDeviceID)

	stats.Input = len(raw.Rows)
	seen := newRowSet(len(raw.Rows))
	for _, src := range raw.Rows {
		row := make([]string, len(out.Columns))
		copy(row, src)
		ts, err := ParseTimestamp(out.Cell(row, tsCol), time.UTC)
		if err != nil {
			stats.Invalid++
			continue
		}
		ts = ts.UTC()
		if devCol >= 0 {
			row[devCol] = strings.TrimSpace(row[devCol])
			if row[devCol] == "" {
				stats.Invalid++
				continue
			}
		}
		if (!opts.Since.IsZero() && ts.Before(opts.Since)) || (!opts.Until.IsZero() && !ts.Before(opts.Until)) {
			stats.OutOfRange++
			continue
		}
		row[tsCol] = ts.Format(time.RFC3339Nano)
		if seen.Seen(row) {
			stats.Duplicates++
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	stats.Output = len(out.Rows)
	return out, stats, nil
}

func anyParses(rows [][]string, col int) bool {
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		if _, err := ParseTimestamp(row[col], time.UTC); err == nil {
			return true
		}
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05 MST",
	"2006/01/02 15:04:05",
	"01/02/2006 15:04:05",
	"2006-01-02",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
