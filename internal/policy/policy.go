// Package policy turns anomalous windows into the alert set handed to
// operators.
package policy

import (
	"sort"
	"strings"

	"mdmguard/internal/config"
	"mdmguard/internal/model"
)

const (
	ReasonFailedLogin = "failed_login"
	ReasonProfileFail = "profile_fail"
	ReasonJailbreak   = "jailbreak"
	ReasonBlockedApp  = "blocked_app"
	ReasonIsError     = "is_error"
	ReasonSeverity    = "severity"
)

type Policy struct {
	MaintenanceHours  map[int]struct{}
	SeverityThreshold float64
	TopK              int
	Excluded          map[string]struct{}
}

func FromConfig(cfg config.PolicyConfig) Policy {
	p := Policy{
		SeverityThreshold: cfg.SeverityThreshold,
		TopK:              cfg.TopK,
		MaintenanceHours:  make(map[int]struct{}, len(cfg.MaintenanceHours)),
		Excluded:          buildDeviceSet(cfg.ExcludedDevices),
	}
	for _, h := range cfg.MaintenanceHours {
		p.MaintenanceHours[h] = struct{}{}
	}
	return p
}

func buildDeviceSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		id := normalizeDevice(v)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func normalizeDevice(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func (p Policy) IsExcluded(deviceID string) bool {
	if p.Excluded == nil {
		return false
	}
	_, ok := p.Excluded[normalizeDevice(deviceID)]
	return ok
}

func (p Policy) InMaintenance(r model.ScoredRecord) bool {
	_, ok := p.MaintenanceHours[r.WindowStart.UTC().Hour()]
	return ok
}

// Reasons lists why r deserves attention: its nonzero flags, then
// "severity" when the raw score is below the threshold.
func (p Policy) Reasons(r model.ScoredRecord) []string {
	var out []string
	flags := []struct {
		name string
		v    int
	}{
		{ReasonFailedLogin, r.FailedLogin},
		{ReasonProfileFail, r.ProfileFail},
		{ReasonJailbreak, r.Jailbreak},
		{ReasonBlockedApp, r.BlockedApp},
		{ReasonIsError, r.IsError},
	}
	for _, f := range flags {
		if f.v > 0 {
			out = append(out, f.name)
		}
	}
	if r.Score < p.SeverityThreshold {
		out = append(out, ReasonSeverity)
	}
	return out
}

// Filter keeps anomalous records outside maintenance hours and the exclusion
// list that carry at least one reason, ordered by raw score ascending and
// truncated to TopK. A TopK of 0 keeps everything.
func Filter(records []model.ScoredRecord, p Policy) []model.Alert {
	var out []model.Alert
	for _, r := range records {
		if !r.Anomalous() || p.InMaintenance(r) || p.IsExcluded(r.DeviceID) {
			continue
		}
		reasons := p.Reasons(r)
		if len(reasons) == 0 {
			continue
		}
		out = append(out, model.Alert{ScoredRecord: r, Reasons: reasons})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score < out[j].Score
	})
	if p.TopK > 0 && len(out) > p.TopK {
		out = out[:p.TopK]
	}
	return out
}
