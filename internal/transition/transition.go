// Package transition decodes the semicolon separated state-transition cells
// written by the simulator into normalized labels such as "2->1".
package transition

import "strings"

const (
	// Delimiter separates events inside one cell.
	Delimiter = ";"
	// Scheme is the optional tag in front of each event, matched case-insensitively.
	Scheme = "mesi:"
)

// Parse splits cell into normalized labels in their original order.
// It never fails: tokens that are empty after normalization are dropped and
// anything else is kept verbatim as a label.
func Parse(cell string) []string {
	parts := strings.Split(cell, Delimiter)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if label, ok := Normalize(p); ok {
			out = append(out, label)
		}
	}
	return out
}

// Normalize trims one token and strips every leading scheme tag, so a label
// it returns normalizes to itself. ok is false when nothing is left.
func Normalize(token string) (label string, ok bool) {
	t := strings.TrimSpace(token)
	if t == "" {
		return "", false
	}
	for len(t) >= len(Scheme) && strings.EqualFold(t[:len(Scheme)], Scheme) {
		t = strings.TrimSpace(t[len(Scheme):])
	}
	return t, t != ""
}

// Count adds the labels of every cell into a frequency map.
func Count(cells ...string) map[string]int {
	counts := make(map[string]int)
	for _, c := range cells {
		for _, label := range Parse(c) {
			counts[label]++
		}
	}
	return counts
}
