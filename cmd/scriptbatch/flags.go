package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select the server a client command talks to. An empty URL is
// derived from [server] in the config file, or the client default.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	Token    string
	User     string
	Password string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type SubmitFlags struct {
	Command      string
	IDs          []int
	Step         string
	Script       string
	Submitter    string
	Params       map[string]string
	Wait         bool
	PollInterval time.Duration
	API          APIFlags
}

type ResultsFlags struct {
	Command string
	State   string
	JSON    bool
	API     APIFlags
}

type ImportFlags struct {
	FilePath string
	API      APIFlags
}

type ExecFlags struct {
	WorkItemID int
	Legacy     bool
}

type LoginFlags struct {
	Username string
	Password string
	API      APIFlags
}

type HashPasswordFlags struct {
	Password string
	Cost     int
}

type TemplateFlags struct {
	ID        int
	Title     string
	ScriptDir string
	YAML      bool
}
