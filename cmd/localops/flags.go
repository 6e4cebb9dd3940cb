package main

import "time"

// Flag structs decouple cobra from command logic for testing.

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// StartFlags configure the start command. A deployment can come from the
// config file (by id) or be described inline.
type StartFlags struct {
	ID            string
	Command       string
	WorkDir       string
	Port          int
	PortAutoShift bool
	EnvKVs        []string
	LogDir        string
	HealthPath    string
	Interval      time.Duration
	AutoRestart   bool
}

type StopFlags struct {
	ID    string
	Purge bool
}

type StatusFlags struct {
	ID     string
	Watch  bool
	Filter string
}

type MonitorFlags struct {
	ID       string
	Interval time.Duration
}

type HistoryFlags struct {
	ID     string
	Health bool
}

type AutoRestartFlags struct {
	ID string
}

type ServeFlags struct {
	ConfigPath string
	Listen     string
	LogLevel   string
}
