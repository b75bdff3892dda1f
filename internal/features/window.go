package features

import (
	"time"

	"mdmguard/internal/model"
)

// eventFlags are the per-row predicates summed inside a window.
type eventFlags struct {
	isError     bool
	failedLogin bool
	profileFail bool
	jailbreak   bool
	blockedApp  bool
}

// WindowState accumulates one (device, window_start) bucket.
type WindowState struct {
	deviceID    string
	start       time.Time
	events      int
	isError     int
	failedLogin int
	profileFail int
	jailbreak   int
	blockedApp  int
}

func NewWindowState(deviceID string, start time.Time) *WindowState {
	return &WindowState{deviceID: deviceID, start: start}
}

func (w *WindowState) Add(f eventFlags) {
	w.events++
	w.isError += b2i(f.isError)
	w.failedLogin += b2i(f.failedLogin)
	w.profileFail += b2i(f.profileFail)
	w.jailbreak += b2i(f.jailbreak)
	w.blockedApp += b2i(f.blockedApp)
}

func (w *WindowState) Metrics() model.FeatureWindow {
	errorRate := 0.0
	failRatio := 0.0
	if w.events > 0 {
		errorRate = float64(w.isError) / float64(w.events)
		failRatio = float64(w.failedLogin) / float64(w.events)
	}
	return model.FeatureWindow{
		DeviceID:    w.deviceID,
		WindowStart: w.start,
		Events:      w.events,
		IsError:     w.isError,
		FailedLogin: w.failedLogin,
		ProfileFail: w.profileFail,
		Jailbreak:   w.jailbreak,
		BlockedApp:  w.blockedApp,
		ErrorRate:   errorRate,
		FailRatio:   failRatio,
	}
}

// WindowStart aligns ts to a multiple of d counted from the Unix epoch, so
// start <= ts < start+d holds for timestamps before 1970 as well.
func WindowStart(ts time.Time, d time.Duration) time.Time {
	ns := ts.UnixNano()
	step := int64(d)
	q := ns / step
	if ns%step != 0 && ns < 0 {
		q--
	}
	return time.Unix(0, q*step).UTC()
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
