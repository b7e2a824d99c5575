// Package telemetry aggregates the per-PE cache statistics CSV dumped by the
// simulator: counters are coerced to integers and the transition cells are
// folded into one frequency map.
package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/loykin/simctl/internal/transition"
)

// Column names of the stats file.
const (
	IDColumn          = "PE"
	TransitionsColumn = "Transitions"
)

// Counters lists the numeric columns coerced for every row, in chart order.
var Counters = []string{
	"Loads", "Stores", "RW_Accesses", "Cache_Misses", "Invalidations",
	"BusRd", "BusRdX", "BusUpgr", "Flush",
}

// ErrNoTransitions marks a result without any transition label. It is not an
// aggregation failure; callers use it to skip the frequency chart.
var ErrNoTransitions = errors.New("telemetry: no transitions recorded")

// ParseError reports a failure that makes the whole file unusable.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return "telemetry: " + e.Err.Error()
	}
	return fmt.Sprintf("telemetry %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Row is one processing element.
type Row struct {
	PE          string         `json:"pe" yaml:"pe"`
	Counters    map[string]int `json:"counters" yaml:"counters"`
	Transitions string         `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// Result is the outcome of one aggregation. It is read-only once returned.
type Result struct {
	Counters    []string       // counter columns, in order
	Rows        []Row          // file order
	Transitions map[string]int // label -> occurrences across all rows
	Tokens      int            // non-empty transition tokens seen
	Coerced     int            // counter cells replaced by zero
	Skipped     int            // records the CSV reader rejected
}

// Empty reports whether no row produced a transition label.
func (r *Result) Empty() bool { return len(r.Transitions) == 0 }

// ByPE returns the coerced counters keyed by PE identifier.
func (r *Result) ByPE() map[string]map[string]int {
	out := make(map[string]map[string]int, len(r.Rows))
	for _, row := range r.Rows {
		out[row.PE] = row.Counters
	}
	return out
}

// Labels returns the transition labels by descending count, ties by name.
func (r *Result) Labels() []string {
	labels := make([]string, 0, len(r.Transitions))
	for l := range r.Transitions {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		ci, cj := r.Transitions[labels[i]], r.Transitions[labels[j]]
		if ci != cj {
			return ci > cj
		}
		return labels[i] < labels[j]
	})
	return labels
}

// Aggregator reads stats files for a fixed set of counter columns.
type Aggregator struct {
	counters []string
}

// New returns an Aggregator for the given counters, or Counters when none are given.
func New(counters ...string) *Aggregator {
	if len(counters) == 0 {
		counters = Counters
	}
	cs := make([]string, len(counters))
	copy(cs, counters)
	return &Aggregator{counters: cs}
}

// Aggregate reads r with the default counter set.
func Aggregate(r io.Reader) (*Result, error) { return New().Read(r) }

// AggregateFile reads path with the default counter set.
func AggregateFile(path string) (*Result, error) { return New().ReadFile(path) }

// ReadFile opens path and aggregates it.
func (a *Aggregator) ReadFile(path string) (*Result, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()
	res, err := a.Read(f)
	var pe *ParseError
	if errors.As(err, &pe) && pe.Path == "" {
		pe.Path = path
	}
	return res, err
}

// Read aggregates a CSV stream whose first record is the header.
func (a *Aggregator) Read(r io.Reader) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ParseError{Err: errors.New("missing header")}
	}
	if err != nil {
		return nil, &ParseError{Err: fmt.Errorf("read header: %w", err)}
	}
	cols := indexHeader(header)
	idIdx, ok := cols[IDColumn]
	if !ok {
		return nil, &ParseError{Err: fmt.Errorf("header has no %s column", IDColumn)}
	}
	trIdx, hasTr := cols[TransitionsColumn]

	res := &Result{Counters: a.counters, Transitions: make(map[string]int)}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var ce *csv.ParseError
			if errors.As(err, &ce) {
				res.Skipped++
				continue
			}
			return nil, &ParseError{Err: err}
		}
		row := Row{PE: strings.TrimSpace(cell(rec, idIdx)), Counters: make(map[string]int, len(a.counters))}
		for _, name := range a.counters {
			idx, present := cols[name]
			if !present {
				row.Counters[name] = 0
				continue
			}
			v, ok := coerce(cell(rec, idx))
			if !ok {
				res.Coerced++
			}
			row.Counters[name] = v
		}
		if hasTr {
			row.Transitions = cell(rec, trIdx)
			for _, label := range transition.Parse(row.Transitions) {
				res.Transitions[label]++
				res.Tokens++
			}
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func indexHeader(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	return cols
}

func cell(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return rec[idx]
}

// coerce parses a counter cell. Floats are truncated; anything unparsable,
// non-finite or negative becomes zero with ok=false. An empty cell is a
// missing value and also reports ok=false.
func coerce(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, false
		}
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f >= float64(math.MaxInt) {
		return 0, false
	}
	return int(f), true
}
