// Package optinout aggregates the opt-in/opt-out URL scans of a dataset:
// one runner reshapes the scan of a split into counts, another sums the
// per-config counts into a dataset answer.
package optinout

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var log = slog.Default()

const (
	SplitScanKind        = "split-opt-in-out-urls-scan"
	ConfigCountKind      = "config-opt-in-out-urls-count"
	DatasetConfigNames   = "dataset-config-names"
	SplitCountJobType    = "split-opt-in-out-urls-count"
	DatasetCountJobType  = "dataset-opt-in-out-urls-count"
	SplitCountVersion    = 2
	DatasetCountVersion  = 2
	defaultConfigWorkers = 8
)

// CountResponse is the content produced by both runners.
type CountResponse struct {
	URLsColumns    []string `json:"urls_columns"`
	NumOptInURLs   int64    `json:"num_opt_in_urls"`
	NumOptOutURLs  int64    `json:"num_opt_out_urls"`
	NumURLs        int64    `json:"num_urls"`
	NumScannedRows int64    `json:"num_scanned_rows"`
	HasURLsColumns bool     `json:"has_urls_columns"`
}

// countContent decodes an upstream count or scan. Pointers tell a missing
// key from a zero value.
type countContent struct {
	URLsColumns    *[]string `json:"urls_columns"`
	NumOptInURLs   *int64    `json:"num_opt_in_urls"`
	NumOptOutURLs  *int64    `json:"num_opt_out_urls"`
	NumURLs        *int64    `json:"num_urls"`
	NumScannedRows *int64    `json:"num_scanned_rows"`
	HasURLsColumns *bool     `json:"has_urls_columns"`
}

func (c *countContent) Validate() error {
	var missing []string
	check := func(name string, isNil bool) {
		if isNil {
			missing = append(missing, name)
		}
	}
	check("urls_columns", c.URLsColumns == nil)
	check("num_opt_in_urls", c.NumOptInURLs == nil)
	check("num_opt_out_urls", c.NumOptOutURLs == nil)
	check("num_urls", c.NumURLs == nil)
	check("num_scanned_rows", c.NumScannedRows == nil)
	check("has_urls_columns", c.HasURLsColumns == nil)
	if len(missing) > 0 {
		return fmt.Errorf("missing keys %v", missing)
	}
	return nil
}

func (c *countContent) response() CountResponse {
	return CountResponse{
		URLsColumns:    *c.URLsColumns,
		NumOptInURLs:   *c.NumOptInURLs,
		NumOptOutURLs:  *c.NumOptOutURLs,
		NumURLs:        *c.NumURLs,
		NumScannedRows: *c.NumScannedRows,
		HasURLsColumns: *c.HasURLsColumns,
	}
}

type configName struct {
	Dataset string `json:"dataset"`
	Config  string `json:"config"`
}

type configNamesContent struct {
	ConfigNames *[]configName `json:"config_names"`
}

func (c *configNamesContent) Validate() error {
	if c.ConfigNames == nil {
		return errors.New("missing key config_names")
	}
	for i, n := range *c.ConfigNames {
		if n.Config == "" {
			return fmt.Errorf("config_names[%d] has no config", i)
		}
	}
	return nil
}

// add folds one config's counts into the dataset total.
func (r *CountResponse) add(other CountResponse) {
	r.URLsColumns = append(r.URLsColumns, other.URLsColumns...)
	r.NumOptInURLs += other.NumOptInURLs
	r.NumOptOutURLs += other.NumOptOutURLs
	r.NumURLs += other.NumURLs
	r.NumScannedRows += other.NumScannedRows
	r.HasURLsColumns = r.HasURLsColumns || other.HasURLsColumns
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
