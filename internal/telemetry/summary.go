package telemetry

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CounterSummary describes one counter column across all PEs.
type CounterSummary struct {
	Name   string  `json:"name" yaml:"name"`
	Total  int     `json:"total" yaml:"total"`
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"stddev" yaml:"stddev"`
	Max    int     `json:"max" yaml:"max"`
	MaxPE  string  `json:"max_pe,omitempty" yaml:"max_pe,omitempty"`
}

// Summary computes per-counter statistics in counter order.
// StdDev is the sample standard deviation and is zero below two rows.
func (r *Result) Summary() []CounterSummary {
	out := make([]CounterSummary, 0, len(r.Counters))
	for _, name := range r.Counters {
		cs := CounterSummary{Name: name}
		if len(r.Rows) == 0 {
			out = append(out, cs)
			continue
		}
		xs := make([]float64, len(r.Rows))
		for i, row := range r.Rows {
			xs[i] = float64(row.Counters[name])
			cs.Total += row.Counters[name]
		}
		if len(xs) > 1 {
			cs.Mean, cs.StdDev = stat.MeanStdDev(xs, nil)
		} else {
			cs.Mean = xs[0]
		}
		mi := floats.MaxIdx(xs)
		cs.Max = r.Rows[mi].Counters[name]
		cs.MaxPE = r.Rows[mi].PE
		out = append(out, cs)
	}
	return out
}
