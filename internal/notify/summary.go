package notify

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"mdmguard/internal/model"
)

// Report is what a finished run hands to the notifiers.
type Report struct {
	RunID      string
	Time       time.Time
	Input      string
	AlertsFile string
	Model      string
	Rows       int
	Windows    int
	Anomalies  int
	Alerts     []model.Alert
}

func (r Report) Devices() []string {
	seen := make(map[string]struct{})
	for _, a := range r.Alerts {
		seen[a.DeviceID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func Subject(r Report) string {
	return fmt.Sprintf("[mdmguard] %d alert(s) on %d device(s)", len(r.Alerts), len(r.Devices()))
}

const previewRows = 10

// Summary renders the plain-text report body.
func Summary(r Report) string {
	var b strings.Builder
	b.WriteString("MDM Anomaly Detection Report\n")
	fmt.Fprintf(&b, "Run time (UTC): %s\n", r.Time.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Run id: %s\n", r.RunID)
	fmt.Fprintf(&b, "Input file: %s\n", filepath.Base(r.Input))
	fmt.Fprintf(&b, "Model: %s\n", r.Model)
	fmt.Fprintf(&b, "Rows normalized: %d\n", r.Rows)
	fmt.Fprintf(&b, "Windows scored: %d\n", r.Windows)
	fmt.Fprintf(&b, "Anomalies flagged: %d\n", r.Anomalies)
	fmt.Fprintf(&b, "Alerts: %d\n", len(r.Alerts))
	if r.AlertsFile != "" {
		fmt.Fprintf(&b, "Alerts saved to: %s\n", r.AlertsFile)
	}
	b.WriteString("\nTop alerts preview:\n")
	if len(r.Alerts) == 0 {
		b.WriteString("No actionable alerts after filtering.\n")
		return b.String()
	}
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "device_id\twindow_start\tscore\treasons")
	for i, a := range r.Alerts {
		if i == previewRows {
			break
		}
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%s\n", a.DeviceID, a.WindowStart.UTC().Format(time.RFC3339), a.Score, strings.Join(a.Reasons, ","))
	}
	_ = tw.Flush()
	return b.String()
}
