package client

import "time"

// RunRequest is the body of POST /run.
type RunRequest struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	WorkDir string   `json:"work_dir,omitempty"`
	Log     *LogSpec `json:"log,omitempty"`
}

// LogSpec selects rotated capture files for a child's output.
type LogSpec struct {
	Dir        string `json:"dir,omitempty"`
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// ProcessStatus represents the status of a single process
type ProcessStatus struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Processor int       `json:"processor"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

// ProcessorStatus is one processor as reported by GET /processors.
type ProcessorStatus struct {
	ID             int    `json:"id"`
	State          string `json:"state"`
	Active         bool   `json:"active"`
	Processes      int    `json:"processes"`
	IdleIterations int64  `json:"idle_iterations"`
	Runs           int64  `json:"runs"`
	Failures       int64  `json:"failures"`
}

// Tuning mirrors the resolved processor constants.
type Tuning struct {
	EventBatchSize   int `json:"event_batch_size"`
	LingerIterations int `json:"linger_iterations"`
	LingerMs         int `json:"linger_ms"`
	DeadPoolPollMs   int `json:"dead_pool_poll_ms"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
