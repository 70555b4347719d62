package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags Flag structs to decouple cobra from logic for testing.
type RunFlags struct {
	ConfigPath string
	Name       string
	Cmd        string
	WorkDir    string
	Threads    int
	Backend    string
	Timeout    time.Duration
	JSON       bool
}

type ServeFlags struct {
	ConfigPath string
	Listen     string
	BasePath   string
	Metrics    bool
	// StartConfigured spawns the [[processes]] entries once the server is up.
	StartConfigured bool
}

// APIFlags selects and authenticates a running server.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

type StatusFlags struct {
	APIFlags
	PID        int
	Processors bool
}

type TuningFlags struct {
	APIFlags
	ConfigPath string
}
