package features

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmguard/internal/model"
)

func table(rows ...[]string) *model.Table {
	return &model.Table{
		Columns: []string{"device_id", "timestamp", "status", "message"},
		Rows:    rows,
	}
}

func TestAggregateBucketsAndFlags(t *testing.T) {
	tb := table(
		[]string{"D1", "2025-09-17T10:05:00Z", "200", "normal checkin"},
		[]string{"D1", "2025-09-17T10:59:59Z", "401", "Failed login attempt"},
		[]string{"D1", "2025-09-17T11:00:00Z", "500", "profile install failed"},
		[]string{"D1", "2025-09-17T13:10:00Z", "200", "Jailbreak detected"},
		[]string{"D0", "2025-09-17T10:30:00Z", "200", "blocked app launch"},
	)
	got, err := Aggregate(tb, time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, "D0", got[0].DeviceID)
	assert.Equal(t, 1, got[0].BlockedApp)

	w := got[1]
	assert.Equal(t, time.Date(2025, 9, 17, 10, 0, 0, 0, time.UTC), w.WindowStart)
	assert.Equal(t, 2, w.Events)
	assert.Equal(t, 1, w.IsError)
	assert.Equal(t, 1, w.FailedLogin)
	assert.InDelta(t, 0.5, w.ErrorRate, 1e-12)
	assert.InDelta(t, 0.5, w.FailRatio, 1e-12)

	assert.Equal(t, 1, got[2].ProfileFail)
	assert.Equal(t, 1, got[2].IsError)
	// no row for 12:00, windows are sparse
	assert.Equal(t, time.Date(2025, 9, 17, 13, 0, 0, 0, time.UTC), got[3].WindowStart)
	assert.Equal(t, 1, got[3].Jailbreak)
}

func TestAggregateWithoutMessageColumn(t *testing.T) {
	tb := &model.Table{
		Columns: []string{"device_id", "timestamp"},
		Rows:    [][]string{{"D1", "2025-09-17T10:05:00Z"}},
	}
	got, err := Aggregate(tb, time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].FailedLogin+got[0].Jailbreak+got[0].BlockedApp+got[0].ProfileFail+got[0].IsError)
}

func TestAggregateRequiresColumns(t *testing.T) {
	tb := &model.Table{Columns: []string{"timestamp", "message"}}
	_, err := Aggregate(tb, time.Hour)
	assert.True(t, errors.Is(err, ErrNoTimestampOrDeviceColumn))
}

func TestWindowAlignment(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, d := range []time.Duration{time.Hour, 15 * time.Minute, 7 * time.Minute, 24 * time.Hour} {
		for i := 0; i < 500; i++ {
			ts := time.Unix(rng.Int63n(4_000_000_000)-1_000_000_000, rng.Int63n(1e9)).UTC()
			start := WindowStart(ts, d)
			assert.False(t, start.After(ts), "%s %s", ts, d)
			assert.True(t, ts.Before(start.Add(d)), "%s %s", ts, d)
			assert.Zero(t, start.UnixNano()%int64(d))
		}
	}
}

func TestRatioBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	msgs := []string{"normal checkin", "failed login", "auth failure", "passcode wrong", "ok"}
	statuses := []string{"200", "404", "500", "302"}
	tb := table()
	for i := 0; i < 2000; i++ {
		ts := time.Date(2025, 9, 17, 0, 0, 0, 0, time.UTC).Add(time.Duration(rng.Intn(86400)) * time.Second)
		tb.Rows = append(tb.Rows, []string{
			fmt.Sprintf("D%d", rng.Intn(5)),
			ts.Format(time.RFC3339),
			statuses[rng.Intn(len(statuses))],
			msgs[rng.Intn(len(msgs))],
		})
	}
	got, err := Aggregate(tb, time.Hour)
	require.NoError(t, err)
	for _, w := range got {
		require.GreaterOrEqual(t, w.Events, 1)
		assert.GreaterOrEqual(t, w.ErrorRate, 0.0)
		assert.LessOrEqual(t, w.ErrorRate, 1.0)
		assert.GreaterOrEqual(t, w.FailRatio, 0.0)
		assert.LessOrEqual(t, w.FailRatio, 1.0)
	}
}

func TestWindowsOrderedAndDisjoint(t *testing.T) {
	tb := table(
		[]string{"D1", "2025-09-17T12:00:00Z", "", ""},
		[]string{"D1", "2025-09-17T10:00:00Z", "", ""},
		[]string{"D1", "2025-09-17T11:30:00Z", "", ""},
	)
	got, err := Aggregate(tb, time.Hour)
	require.NoError(t, err)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].WindowStart.Before(got[i-1].WindowStart.Add(time.Hour)))
	}
}

func TestTableRoundTrip(t *testing.T) {
	in := []model.FeatureWindow{{
		DeviceID:    "D1",
		WindowStart: time.Date(2025, 9, 17, 10, 0, 0, 0, time.UTC),
		Events:      4,
		IsError:     1,
		FailedLogin: 2,
		ErrorRate:   0.25,
		FailRatio:   0.5,
	}}
	out, err := FromTable(ToTable(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
