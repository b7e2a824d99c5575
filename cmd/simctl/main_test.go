package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootHasSubcommands(t *testing.T) {
	root := buildRoot(command{})
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "aggregate", "serve"} {
		require.Contains(t, names, want)
	}
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestExecuteAggregateThroughCobra(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "stats.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(statsCSV), 0o644))
	c, out, _ := newTestCommand("")

	root := buildRoot(c)
	root.SetArgs([]string{"aggregate", "--csv", csvPath, "--no-charts", "--format", "json"})
	require.NoError(t, root.Execute())
	require.True(t, strings.Contains(out.String(), `"tokens": 2`), out.String())
}

func TestExecuteRejectsUnknownMode(t *testing.T) {
	root := buildRoot(command{})
	root.SetArgs([]string{"run", "--mode", "turbo"})
	require.Error(t, root.Execute())
}
