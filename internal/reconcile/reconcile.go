// Package reconcile caps the number of anomalies a single run may report.
package reconcile

import (
	"sort"

	"mdmguard/internal/model"
)

const DefaultCap = 100

// Apply keeps at most limit anomalous records, preferring the lowest raw
// scores, and relabels the rest normal. Ties keep the earlier record. It
// returns the anomaly count before and after. Only labels are modified.
//
// When meaningful is false the scores carry no ranking and nothing is
// changed. A limit <= 0 disables the cap.
func Apply(records []model.ScoredRecord, limit int, meaningful bool) (before, after int) {
	var idx []int
	for i := range records {
		if records[i].Anomalous() {
			idx = append(idx, i)
		}
	}
	before = len(idx)
	if !meaningful || limit <= 0 || before <= limit {
		return before, before
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return records[idx[a]].Score < records[idx[b]].Score
	})
	for _, i := range idx[limit:] {
		records[i].Label = model.LabelNormal
	}
	return before, limit
}
