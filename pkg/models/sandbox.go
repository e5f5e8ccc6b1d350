package models

// ShellTask is a validated shell execution request handed to a sandbox.
type ShellTask struct {
	Command   string            `json:"command"`
	WorkDir   string            `json:"workdir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMS int               `json:"timeoutMs,omitempty"`
}

// ShellTaskResult is the outcome of one sandboxed shell execution.
type ShellTaskResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}
