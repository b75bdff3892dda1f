package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"mdmguard/internal/model"
)

// ReadJSONLines reads one JSON object per line. Columns are the union of keys
// in first-seen order; absent keys become empty cells.
func ReadJSONLines(r io.Reader) (*model.Table, error) {
	t := &model.Table{}
	index := map[string]int{}
	var objs []map[string]any
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		obj, keys, err := ParseJSONBytes(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		for _, k := range keys {
			if _, ok := index[k]; !ok {
				index[k] = len(t.Columns)
				t.Columns = append(t.Columns, k)
			}
		}
		objs = append(objs, obj)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for _, obj := range objs {
		row := make([]string, len(t.Columns))
		for k, v := range obj {
			row[index[k]] = stringify(v)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// ParseJSONBytes decodes a single object and returns its keys in document
// order. Numbers keep their literal form so epoch timestamps survive.
func ParseJSONBytes(data []byte) (map[string]any, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object")
	}
	obj := map[string]any{}
	var keys []string
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := kt.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected key")
		}
		var val any
		if err := dec.Decode(&val); err != nil {
			return nil, nil, err
		}
		if _, seen := obj[key]; !seen {
			keys = append(keys, key)
		}
		obj[key] = val
	}
	return obj, keys, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		data, _ := json.Marshal(x)
		return string(data)
	}
}
