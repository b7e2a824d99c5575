package process

import (
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/simctl/internal/logger"
)

// DefaultMarker is the phrase the simulator prints when it pauses for input.
const DefaultMarker = "Presione ENTER"

// Spec describes one child run.
type Spec struct {
	Name        string        `json:"name"`        // used for log file names; defaults to the executable base name
	Path        string        `json:"path"`        // executable
	Args        []string      `json:"args"`        // passed verbatim, no shell
	WorkDir     string        `json:"work_dir"`    // optional working dir
	Env         []string      `json:"env"`         // optional full environment; inherits when empty
	Interactive bool          `json:"interactive"` // react to Marker and allow Advance
	Marker      string        `json:"marker"`      // checkpoint phrase; DefaultMarker when empty
	Log         logger.Config `json:"log"`         // child output tee
}

// RunName returns Name or the executable base name.
func (s Spec) RunName() string {
	if n := strings.TrimSpace(s.Name); n != "" {
		return n
	}
	if s.Path == "" {
		return "run"
	}
	return filepath.Base(s.Path)
}

func (s Spec) marker() string {
	if s.Marker == "" {
		return DefaultMarker
	}
	return s.Marker
}

// BuildCommand constructs the *exec.Cmd for the spec without any stdio wiring.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- the executable is operator configured
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd
}
