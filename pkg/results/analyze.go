package results

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ProvisionCount summarizes one decision's cited-provision count.
type ProvisionCount struct {
	DecisionID string `json:"decision_id"`
	NumericID  any    `json:"id"`
	Provisions int    `json:"provision_count"`
}

// ProvisionReport aggregates a scan over persisted per-item output.
type ProvisionReport struct {
	Decisions       int              `json:"decisions"`
	TotalProvisions int              `json:"totalProvisions"`
	Average         float64          `json:"averageProvisionsPerDecision"`
	Top             []ProvisionCount `json:"top"`
}

// ScanProvisionCounts walks every JSON file under root, counts each
// decision's citedProvisions array, and reports the top N decisions plus
// totals. Files that fail to parse are skipped, not fatal, matching how the
// offline analysis treats a corrupted item file.
func ScanProvisionCounts(root string, topN int) (*ProvisionReport, error) {
	if topN <= 0 {
		topN = 10
	}

	var counts []ProvisionCount
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		var doc map[string]any
		if json.Unmarshal(data, &doc) != nil {
			return nil
		}

		// Per-item files wrap the payload under "data"; accept both shapes.
		payload := doc
		if inner, ok := doc["data"].(map[string]any); ok {
			payload = inner
		}

		provisions, _ := payload["citedProvisions"].([]any)
		decisionID, _ := payload["decision_id"].(string)
		if decisionID == "" && len(provisions) == 0 {
			return nil
		}
		counts = append(counts, ProvisionCount{
			DecisionID: decisionID,
			NumericID:  payload["id"],
			Provisions: len(provisions),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(counts, func(i, j int) bool {
		return counts[i].Provisions > counts[j].Provisions
	})

	report := &ProvisionReport{Decisions: len(counts)}
	for _, c := range counts {
		report.TotalProvisions += c.Provisions
	}
	if len(counts) > 0 {
		report.Average = float64(report.TotalProvisions) / float64(len(counts))
	}
	if len(counts) > topN {
		counts = counts[:topN]
	}
	report.Top = counts
	return report, nil
}
