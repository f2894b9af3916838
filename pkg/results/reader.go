package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caselens/loom/pkg/pipeline"
)

// Reader reloads persisted run output. It detects the persistence mode from
// what is on disk, so callers never need to know how a run was written.
type Reader struct {
	layout Layout
}

// NewReader creates a reader over the given layout.
func NewReader(layout Layout) *Reader {
	return &Reader{layout: layout}
}

// LoadRun reloads every execution result of a run, from per-item files when
// a jsons/ directory exists and from the aggregate artifact otherwise.
func (r *Reader) LoadRun(jobID, timestamp string) ([]pipeline.ExecutionResult, error) {
	dir, fullData, err := r.layout.FindRun(jobID, timestamp)
	if err != nil {
		return nil, err
	}
	if fullData {
		if _, statErr := os.Stat(filepath.Join(dir, JSONsDirName)); statErr == nil {
			return loadPerItem(filepath.Join(dir, JSONsDirName))
		}
	}
	var results []pipeline.ExecutionResult
	if err := readJSON(filepath.Join(dir, AllResultsFile), &results); err != nil {
		return nil, err
	}
	return results, nil
}

// LoadFailures reloads a run's failures artifact.
func (r *Reader) LoadFailures(jobID, timestamp string) ([]FailureEntry, error) {
	dir, _, err := r.layout.FindRun(jobID, timestamp)
	if err != nil {
		return nil, err
	}
	var failures []FailureEntry
	if err := readJSON(filepath.Join(dir, FailuresFile), &failures); err != nil {
		return nil, err
	}
	return failures, nil
}

// LoadSummary reloads a run's summary artifact.
func (r *Reader) LoadSummary(jobID, timestamp string) (*pipeline.RunSummary, error) {
	dir, _, err := r.layout.FindRun(jobID, timestamp)
	if err != nil {
		return nil, err
	}
	var summary pipeline.RunSummary
	if err := readJSON(filepath.Join(dir, SummaryFile), &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// LoadExtracted reloads the validated data records of a run's successful
// items, for dependency preloading. Per-item runs yield each item's data;
// aggregate runs read the extracted-data artifact.
func (r *Reader) LoadExtracted(jobID, timestamp string) ([]pipeline.Record, error) {
	runResults, err := r.LoadRun(jobID, timestamp)
	if err != nil {
		return nil, err
	}
	records := make([]pipeline.Record, 0, len(runResults))
	for _, res := range runResults {
		if !res.Success {
			continue
		}
		if rec, ok := toRecord(res.Data); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// LoadLatestExtracted reloads extracted records from the job's most recent
// run.
func (r *Reader) LoadLatestExtracted(jobID string) ([]pipeline.Record, error) {
	timestamp, err := r.layout.LatestTimestamp(jobID)
	if err != nil {
		return nil, err
	}
	return r.LoadExtracted(jobID, timestamp)
}

func loadPerItem(jsonsDir string) ([]pipeline.ExecutionResult, error) {
	entries, err := os.ReadDir(jsonsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read jsons directory %s: %w", jsonsDir, err)
	}
	results := make([]pipeline.ExecutionResult, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var res pipeline.ExecutionResult
		if err := readJSON(filepath.Join(jsonsDir, e.Name()), &res); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func toRecord(v any) (pipeline.Record, bool) {
	switch data := v.(type) {
	case map[string]any:
		return pipeline.Record(data), true
	case pipeline.Record:
		return data, true
	}
	return nil, false
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
