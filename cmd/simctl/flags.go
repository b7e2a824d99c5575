package main

// RunFlags Flag structs to decouple cobra from logic for testing.
type RunFlags struct {
	ConfigPath string
	Mode       string
	N          int    // 0 keeps the configured default
	Simulator  string // overrides [simulator].path
	Format     string // report encoding: yaml or json
}

type AggregateFlags struct {
	ConfigPath string
	CSV        string
	Out        string // chart directory, defaults to the configured one
	NoCharts   bool
	Format     string
}

type ServeFlags struct {
	ConfigPath string
	Listen     string
	BasePath   string
}
