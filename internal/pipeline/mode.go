package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode selects how the simulator is invoked.
type Mode string

const (
	// DotProduct runs the batch computation to completion.
	DotProduct Mode = "dot"
	// Stepping runs the simulator's demo mode, which pauses at every
	// coherence event until advanced.
	Stepping Mode = "step"
)

// DefaultN is the problem size used when Params.N is not positive.
const DefaultN = 20

// Params are the run parameters passed to the simulator.
type Params struct {
	N int `json:"n"`
}

func (p Params) n() int {
	if p.N <= 0 {
		return DefaultN
	}
	return p.N
}

// ParseMode accepts "dot", "step" and the simulator's own "demo" alias.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dot", "dotproduct", "":
		return DotProduct, nil
	case "step", "stepping", "demo":
		return Stepping, nil
	}
	return "", fmt.Errorf("unknown mode %q (want dot or step)", s)
}

// Interactive reports whether runs in this mode honour checkpoints.
func (m Mode) Interactive() bool { return m == Stepping }

// Args returns the simulator argument list for the mode.
func (m Mode) Args(p Params) []string {
	flag := "dot"
	if m == Stepping {
		flag = "demo"
	}
	return []string{"--mode=" + flag, "--N=" + strconv.Itoa(p.n())}
}
