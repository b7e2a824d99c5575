package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Report is the serializable view of a Result.
type Report struct {
	Rows        []Row            `json:"rows" yaml:"rows"`
	Transitions map[string]int   `json:"transitions" yaml:"transitions"`
	Tokens      int              `json:"tokens" yaml:"tokens"`
	Coerced     int              `json:"coerced_cells" yaml:"coerced_cells"`
	Skipped     int              `json:"skipped_records,omitempty" yaml:"skipped_records,omitempty"`
	Summary     []CounterSummary `json:"summary" yaml:"summary"`
}

// Report builds the serializable view.
func (r *Result) Report() Report {
	tr := r.Transitions
	if tr == nil {
		tr = map[string]int{}
	}
	return Report{
		Rows:        r.Rows,
		Transitions: tr,
		Tokens:      r.Tokens,
		Coerced:     r.Coerced,
		Skipped:     r.Skipped,
		Summary:     r.Summary(),
	}
}

// Encode writes the report as "yaml" (default) or "json".
func (r *Result) Encode(w io.Writer, format string) error {
	rep := r.Report()
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}
