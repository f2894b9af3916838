// Package results persists and reloads per-run extraction outcomes. Two
// persistence modes are supported: aggregate array files for small
// evaluation runs, and one file per item for large datasets where a single
// huge array is impractical to load downstream. Readers detect the mode on
// disk, so callers never need to know which was used.
package results

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// TimestampFormat names run directories. Colons are avoided for filesystem
// portability.
const TimestampFormat = "2006-01-02T15-04-05"

// Artifact file names within a run directory.
const (
	AllResultsFile        = "all-results.json"
	SuccessfulResultsFile = "successful-results.json"
	ExtractedDataFile     = "extracted-data.json"
	FailuresFile          = "failures.json"
	SummaryFile           = "summary.json"

	// JSONsDirName holds per-item files in full-data mode.
	JSONsDirName = "jsons"
)

// Layout locates run directories for both persistence modes.
type Layout struct {
	// ResultsRoot holds aggregate-mode runs: <ResultsRoot>/<jobId>/<ts>/.
	ResultsRoot string

	// FullDataRoot holds per-item runs: <FullDataRoot>/<jobId>/<ts>/jsons/.
	FullDataRoot string
}

// DefaultLayout returns the conventional layout under a base directory.
func DefaultLayout(base string) Layout {
	return Layout{
		ResultsRoot:  filepath.Join(base, "results"),
		FullDataRoot: filepath.Join(base, "full-data"),
	}
}

// AggregateRunDir returns the directory of an aggregate-mode run.
func (l Layout) AggregateRunDir(jobID, timestamp string) string {
	return filepath.Join(l.ResultsRoot, jobID, timestamp)
}

// FullDataRunDir returns the directory of a per-item-mode run.
func (l Layout) FullDataRunDir(jobID, timestamp string) string {
	return filepath.Join(l.FullDataRoot, jobID, timestamp)
}

// RunDir returns the run directory for the given mode.
func (l Layout) RunDir(jobID, timestamp string, fullData bool) string {
	if fullData {
		return l.FullDataRunDir(jobID, timestamp)
	}
	return l.AggregateRunDir(jobID, timestamp)
}

// NewTimestamp returns a run timestamp for directory naming.
func NewTimestamp(now time.Time) string {
	return now.UTC().Format(TimestampFormat)
}

// FindRun locates an existing run directory for the job, trying full-data
// first, and reports which mode it found.
func (l Layout) FindRun(jobID, timestamp string) (dir string, fullData bool, err error) {
	fullDir := l.FullDataRunDir(jobID, timestamp)
	if info, statErr := os.Stat(fullDir); statErr == nil && info.IsDir() {
		return fullDir, true, nil
	}
	aggDir := l.AggregateRunDir(jobID, timestamp)
	if info, statErr := os.Stat(aggDir); statErr == nil && info.IsDir() {
		return aggDir, false, nil
	}
	return "", false, fmt.Errorf("no run directory found for %s %s", jobID, timestamp)
}

// runSuffix splits a retry directory name (<ts>-retry-<N>) into its origin
// timestamp and retry number.
var runSuffix = regexp.MustCompile(`^(.+)-retry-(\d+)$`)

// splitRunName returns a run directory's origin timestamp and retry number,
// with 0 meaning the original run.
func splitRunName(name string) (string, int) {
	m := runSuffix.FindStringSubmatch(name)
	if m == nil {
		return name, 0
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return name, 0
	}
	return m[1], n
}

// LatestTimestamp returns the greatest run timestamp recorded for the job in
// either mode. Origin timestamps sort lexically because of the fixed format;
// retry directories (<ts>-retry-<N>) sort after their source run by retry
// number, which must be compared numerically so retry-10 outranks retry-2.
func (l Layout) LatestTimestamp(jobID string) (string, error) {
	var names []string
	for _, root := range []string{l.FullDataRoot, l.ResultsRoot} {
		entries, err := os.ReadDir(filepath.Join(root, jobID))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no persisted runs for job %s", jobID)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, ri := splitRunName(names[i])
		oj, rj := splitRunName(names[j])
		if oi != oj {
			return oi < oj
		}
		return ri < rj
	})
	return names[len(names)-1], nil
}
