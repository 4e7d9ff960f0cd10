package analyzer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// resultsDoc mirrors spec.md §6's results file wire format exactly: one
// [addr, distance, count] triple per FlowRecord.
type resultsDoc struct {
	Results [][3]float64 `json:"Results"`
}

// WriteResults persists the worker's FlowRecord ring to
// dir/prefix<id>.json, matching spec.md §6's "one file per analyzer core"
// contract. Called once at shutdown.
func (w *Worker) WriteResults(dir, prefix string) error {
	records := w.results.Snapshot()
	doc := resultsDoc{Results: make([][3]float64, len(records))}
	for i, r := range records {
		doc.Results[i] = [3]float64{float64(r.Addr), r.MinDistance, float64(r.PacketCount)}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "analyzer: marshal results")
	}

	// spec.md §9: replaces the original's "system(mkdir ...)" shell-out with
	// a directory-creation primitive that propagates its error instead of
	// silently failing.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "analyzer: create results dir %q", dir)
	}

	path := filepath.Join(dir, prefix+strconv.Itoa(w.id)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "analyzer: write results to %q", path)
	}
	return nil
}
