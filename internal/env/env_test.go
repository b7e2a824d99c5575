package env

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	got := Parse([]string{"A=1", "B=", "=skip", "noeq", "A=2", "C=x=y"})
	require.Equal(t, Vars{"A": "2", "B": "", "C": "x=y"}, got)
}

func TestComposeOn(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/home/sim"}
	got := ComposeOn(base, Vars{
		"OMP_NUM_THREADS": "4",
		"PATH":            "/opt/sim/bin:${PATH}",
		"OUT":             "$HOME/out",
	})
	require.Equal(t, []string{
		"HOME=/home/sim",
		"OMP_NUM_THREADS=4",
		"OUT=/home/sim/out",
		"PATH=/opt/sim/bin:/usr/bin",
	}, got)
}

func TestComposeOnLeavesBaseUnexpanded(t *testing.T) {
	got := ComposeOn([]string{"LITERAL=$NOT_SET"}, Vars{"X": "1"})
	require.Equal(t, []string{"LITERAL=$NOT_SET", "X=1"}, got)
}

func TestComposeWithoutOverridesInherits(t *testing.T) {
	require.Nil(t, Compose(nil))
	require.Nil(t, Compose(Vars{}))
}

func TestComposeUsesOSEnvironment(t *testing.T) {
	t.Setenv("SIMCTL_ENV_TEST", "base")
	got := Compose(Vars{"DERIVED": "${SIMCTL_ENV_TEST}-x"})
	require.Contains(t, got, "SIMCTL_ENV_TEST=base")
	require.Contains(t, got, "DERIVED=base-x")
}
