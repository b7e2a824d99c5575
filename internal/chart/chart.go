// Package chart renders aggregated telemetry as bar charts.
package chart

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/loykin/simctl/internal/telemetry"
)

// Default artifact names, relative to the output directory.
const (
	CountersFile    = "metrics_by_PE.png"
	TransitionsFile = "mesi_transitions.png"
)

// ErrNoRows is returned when there is no PE to draw.
var ErrNoRows = errors.New("chart: no rows")

// Renderer draws charts at a fixed size. The zero value uses 10x6 inches.
type Renderer struct {
	Width  vg.Length
	Height vg.Length
}

// Artifacts lists the files a Render call produced. Transitions is empty
// when the result had no transition labels.
type Artifacts struct {
	Counters    string `json:"counters"`
	Transitions string `json:"transitions,omitempty"`
}

// Paths returns the non-empty artifact paths.
func (a Artifacts) Paths() []string {
	out := make([]string, 0, 2)
	for _, p := range []string{a.Counters, a.Transitions} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r Renderer) size() (vg.Length, vg.Length) {
	w, h := r.Width, r.Height
	if w <= 0 {
		w = 10 * vg.Inch
	}
	if h <= 0 {
		h = 6 * vg.Inch
	}
	return w, h
}

// Render writes both charts into dir using the default file names.
// A result without transitions yields only the counters chart and no error.
// A result without rows returns ErrNoRows and removes both charts.
func (r Renderer) Render(res *telemetry.Result, dir string) (Artifacts, error) {
	var a Artifacts
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return a, err
		}
	}
	counters := filepath.Join(dir, CountersFile)
	transitions := filepath.Join(dir, TransitionsFile)
	if err := r.CountersByPE(res, counters); err != nil {
		if errors.Is(err, ErrNoRows) {
			_ = os.Remove(counters)
			_ = os.Remove(transitions)
		}
		return a, err
	}
	a.Counters = counters
	err := r.TransitionFrequencies(res, transitions)
	switch {
	case errors.Is(err, telemetry.ErrNoTransitions):
		// stale chart from a previous run would be misleading
		_ = os.Remove(transitions)
	case err != nil:
		return a, err
	default:
		a.Transitions = transitions
	}
	return a, nil
}

// CountersByPE draws one group of bars per PE with one bar per counter.
func (r Renderer) CountersByPE(res *telemetry.Result, path string) error {
	if len(res.Rows) == 0 {
		return ErrNoRows
	}
	p := plot.New()
	p.Title.Text = "Counters by PE"
	p.X.Label.Text = "PE"
	p.Y.Label.Text = "Count"

	n := len(res.Counters)
	barWidth := vg.Points(float64(60) / float64(max(n, 1)))
	labels := make([]string, len(res.Rows))
	for i, row := range res.Rows {
		labels[i] = row.PE
	}
	for i, name := range res.Counters {
		vals := make(plotter.Values, len(res.Rows))
		for j, row := range res.Rows {
			vals[j] = float64(row.Counters[name])
		}
		bars, err := plotter.NewBarChart(vals, barWidth)
		if err != nil {
			return fmt.Errorf("counter %s: %w", name, err)
		}
		bars.LineStyle.Width = vg.Length(0)
		bars.Color = plotutil.Color(i)
		bars.Offset = vg.Length(float64(i)-float64(n-1)/2) * barWidth
		p.Add(bars)
		p.Legend.Add(name, bars)
	}
	p.Legend.Top = true
	p.NominalX(labels...)
	w, h := r.size()
	return p.Save(w, h, path)
}

// TransitionFrequencies draws the total occurrences of each transition label.
// It returns telemetry.ErrNoTransitions without touching path when there is nothing to draw.
func (r Renderer) TransitionFrequencies(res *telemetry.Result, path string) error {
	if res.Empty() {
		return telemetry.ErrNoTransitions
	}
	labels := res.Labels()
	vals := make(plotter.Values, len(labels))
	for i, l := range labels {
		vals[i] = float64(res.Transitions[l])
	}
	p := plot.New()
	p.Title.Text = "MESI transitions"
	p.X.Label.Text = "Transition"
	p.Y.Label.Text = "Occurrences"
	bars, err := plotter.NewBarChart(vals, vg.Points(20))
	if err != nil {
		return err
	}
	bars.LineStyle.Width = vg.Length(0)
	bars.Color = plotutil.Color(0)
	p.Add(bars)
	p.NominalX(labels...)
	p.X.Tick.Label.Rotation = math.Pi / 4
	p.X.Tick.Label.XAlign = draw.XRight
	p.X.Tick.Label.YAlign = draw.YCenter
	w, h := r.size()
	return p.Save(w, h, path)
}
