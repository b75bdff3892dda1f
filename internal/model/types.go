package model

import "time"

const (
	ColDeviceID  = "device_id"
	ColTimestamp = "timestamp"
	ColStatus    = "status"
	ColMessage   = "message"
	ColAppID     = "app_id"
	ColEventType = "event_type"
)

// Table is a tabular log file. Cells are kept as strings; a missing cell is "".
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	if t == nil {
		return -1
	}
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Cell returns row[col] or "" when the row is short or col is negative.
func (t *Table) Cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

type Label string

const (
	LabelAnomalous Label = "anomalous"
	LabelNormal    Label = "normal"
)

type FeatureWindow struct {
	DeviceID    string    `json:"device_id"`
	WindowStart time.Time `json:"window_start"`
	Events      int       `json:"events"`
	IsError     int       `json:"is_error"`
	FailedLogin int       `json:"failed_login"`
	ProfileFail int       `json:"profile_fail"`
	Jailbreak   int       `json:"jailbreak"`
	BlockedApp  int       `json:"blocked_app"`
	ErrorRate   float64   `json:"error_rate"`
	FailRatio   float64   `json:"fail_ratio"`
}

type ScoredRecord struct {
	FeatureWindow
	Score float64 `json:"anomaly_score_raw"`
	Label Label   `json:"anomaly_label"`
}

func (r ScoredRecord) Anomalous() bool {
	return r.Label == LabelAnomalous
}

type Alert struct {
	ScoredRecord
	Reasons []string `json:"reasons"`
}

type RunStatus string

const (
	RunSucceeded RunStatus = "success"
	RunEmpty     RunStatus = "empty"
)

// RunRecord is one line of the run-history audit trail. It is written once
// and never rewritten.
type RunRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Model     string    `json:"model"`
	Params    string    `json:"params"`
	Status    RunStatus `json:"status"`
	Rows      int       `json:"rows"`
	Windows   int       `json:"windows"`
	Anomalies int       `json:"anomalies"`
	Alerts    int       `json:"alerts"`
}
