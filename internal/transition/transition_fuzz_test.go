package transition

import (
	"strings"
	"testing"
)

func FuzzParse(f *testing.F) {
	seeds := []string{
		"",
		"MESI: 2->1; MESI: 1->0",
		"  ;  ;x",
		"mesi:mesi: 3->0",
		"MESI:;;",
		"\t2->1 ;MeSi:  0->3",
	}
	for _, s := range seeds {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, cell string) {
		labels := Parse(cell)
		if len(labels) > strings.Count(cell, Delimiter)+1 {
			t.Fatalf("more labels than tokens: %q -> %q", cell, labels)
		}
		total := 0
		for _, n := range Count(cell) {
			total += n
		}
		if total != len(labels) {
			t.Fatalf("count total %d != %d labels", total, len(labels))
		}
		for _, l := range labels {
			if l == "" || l != strings.TrimSpace(l) {
				t.Fatalf("label not normalized: %q", l)
			}
			if again := Parse(l); len(again) != 1 || again[0] != l {
				t.Fatalf("re-parsing %q gave %q", l, again)
			}
		}
	})
}
