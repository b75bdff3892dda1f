package features

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"mdmguard/internal/model"
	"mdmguard/internal/normalize"
)

var ErrNoTimestampOrDeviceColumn = errors.New("normalized table lacks timestamp or device_id column")

var (
	reFailedLogin = regexp.MustCompile(`(?i)failed login|auth fail|passcode`)
	reJailbreak   = regexp.MustCompile(`(?i)jailbreak|root`)
	reBlockedApp  = regexp.MustCompile(`(?i)blocked app|blacklist|blocked install`)
	reProfileFail = regexp.MustCompile(`(?i)profile.*fail|install.*fail`)
)

// Names lists the numeric feature columns in matrix order.
var Names = []string{
	"events", "is_error", "failed_login", "profile_fail",
	"jailbreak", "blocked_app", "error_rate", "fail_ratio",
}

type windowKey struct {
	device string
	start  int64
}

// Aggregate buckets a normalized table into per-device windows of length
// window. Empty windows are not emitted.
func Aggregate(t *model.Table, window time.Duration) ([]model.FeatureWindow, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive: %s", window)
	}
	tsCol := t.Index(model.ColTimestamp)
	devCol := t.Index(model.ColDeviceID)
	if tsCol < 0 || devCol < 0 {
		return nil, ErrNoTimestampOrDeviceColumn
	}
	statusCol := t.Index(model.ColStatus)
	msgCol := t.Index(model.ColMessage)

	states := make(map[windowKey]*WindowState)
	for _, row := range t.Rows {
		device := strings.TrimSpace(t.Cell(row, devCol))
		if device == "" {
			continue
		}
		ts, err := normalize.ParseTimestamp(t.Cell(row, tsCol), time.UTC)
		if err != nil {
			continue
		}
		start := WindowStart(ts, window)
		key := windowKey{device: device, start: start.UnixNano()}
		st, ok := states[key]
		if !ok {
			st = NewWindowState(device, start)
			states[key] = st
		}
		st.Add(classify(t.Cell(row, statusCol), t.Cell(row, msgCol), msgCol >= 0))
	}

	out := make([]model.FeatureWindow, 0, len(states))
	for _, st := range states {
		out = append(out, st.Metrics())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out, nil
}

func classify(status, message string, hasMessage bool) eventFlags {
	status = strings.TrimSpace(status)
	f := eventFlags{
		isError: strings.HasPrefix(status, "4") || strings.HasPrefix(status, "5"),
	}
	if !hasMessage || message == "" {
		return f
	}
	f.failedLogin = reFailedLogin.MatchString(message)
	f.jailbreak = reJailbreak.MatchString(message)
	f.blockedApp = reBlockedApp.MatchString(message)
	f.profileFail = reProfileFail.MatchString(message)
	return f
}

// Vector returns the numeric features of w in Names order.
func Vector(w model.FeatureWindow) []float64 {
	return []float64{
		float64(w.Events),
		float64(w.IsError),
		float64(w.FailedLogin),
		float64(w.ProfileFail),
		float64(w.Jailbreak),
		float64(w.BlockedApp),
		w.ErrorRate,
		w.FailRatio,
	}
}

func Matrix(windows []model.FeatureWindow) [][]float64 {
	out := make([][]float64, len(windows))
	for i, w := range windows {
		out[i] = Vector(w)
	}
	return out
}

// Columns is the header of a feature file.
func Columns() []string {
	return append([]string{"device_id", "window_start"}, Names...)
}

func Row(w model.FeatureWindow) []string {
	row := []string{w.DeviceID, w.WindowStart.UTC().Format(time.RFC3339)}
	for _, v := range Vector(w) {
		row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
	}
	return row
}

func ToTable(windows []model.FeatureWindow) *model.Table {
	t := &model.Table{Columns: Columns(), Rows: make([][]string, 0, len(windows))}
	for _, w := range windows {
		t.Rows = append(t.Rows, Row(w))
	}
	return t
}

// FromTable reads a feature file back. Unknown columns are ignored.
func FromTable(t *model.Table) ([]model.FeatureWindow, error) {
	devCol := t.Index("device_id")
	startCol := t.Index("window_start")
	if devCol < 0 || startCol < 0 {
		return nil, ErrNoTimestampOrDeviceColumn
	}
	idx := make([]int, len(Names))
	for i, n := range Names {
		idx[i] = t.Index(n)
	}
	out := make([]model.FeatureWindow, 0, len(t.Rows))
	for n, row := range t.Rows {
		start, err := normalize.ParseTimestamp(t.Cell(row, startCol), time.UTC)
		if err != nil {
			return nil, fmt.Errorf("row %d: window_start: %w", n+1, err)
		}
		v := make([]float64, len(Names))
		for i, c := range idx {
			s := strings.TrimSpace(t.Cell(row, c))
			if s == "" {
				continue
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: %s: %w", n+1, Names[i], err)
			}
			v[i] = f
		}
		out = append(out, model.FeatureWindow{
			DeviceID:    t.Cell(row, devCol),
			WindowStart: start.UTC(),
			Events:      int(v[0]),
			IsError:     int(v[1]),
			FailedLogin: int(v[2]),
			ProfileFail: int(v[3]),
			Jailbreak:   int(v[4]),
			BlockedApp:  int(v[5]),
			ErrorRate:   v[6],
			FailRatio:   v[7],
		})
	}
	return out, nil
}
