// Package api holds the JSON shapes exchanged between the web server and
// its clients.
package api

import "time"

// Submission is returned by every route that starts a task.
type Submission struct {
	TaskID   string `json:"task_id"`
	Owner    string `json:"owner"`
	FollowUp string `json:"follow_up,omitempty"`
	// Wait is the polling URL of the task.
	Wait string `json:"wait,omitempty"`
}

// SubmitRequest is the body of POST /tasks.
type SubmitRequest struct {
	Commands    []string `json:"commands"`
	Description string   `json:"description"`
	Owner       string   `json:"owner,omitempty"`
}

// TaskStatus is the body of GET /tasks/:id.
type TaskStatus struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Output      string `json:"output"`
	Terminal    bool   `json:"terminal"`
	Error       string `json:"error,omitempty"`
	ExitCode    int    `json:"exit_code"`
	Description string `json:"description"`
	Owner       string `json:"owner,omitempty"`
	// RetryAfterMS is set while the task is still running.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
}

// Task is one entry of GET /tasks.
type Task struct {
	ID          string     `json:"id"`
	Commands    []string   `json:"commands"`
	Description string     `json:"description"`
	Owner       string     `json:"owner,omitempty"`
	State       string     `json:"state"`
	ExitCode    int        `json:"exit_code"`
	Error       string     `json:"error,omitempty"`
	Created     time.Time  `json:"created"`
	Started     *time.Time `json:"started,omitempty"`
	Finished    *time.Time `json:"finished,omitempty"`
}

// Decision is the answer of the wait route and the last websocket frame.
type Decision struct {
	Action       string `json:"action"`
	TaskID       string `json:"task_id"`
	Owner        string `json:"owner"`
	State        string `json:"state"`
	Description  string `json:"description"`
	Output       string `json:"output"`
	Error        string `json:"error,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	Redirect     string `json:"redirect,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Update is one websocket frame of a watched task. Decision is set on the
// terminal frame when the watcher asked for a follow-up.
type Update struct {
	State    string    `json:"state"`
	Output   string    `json:"output,omitempty"`
	Terminal bool      `json:"terminal"`
	Error    string    `json:"error,omitempty"`
	Decision *Decision `json:"decision,omitempty"`
}

// TaskLog is one history entry.
type TaskLog struct {
	TaskID      string    `json:"task_id"`
	Owner       string    `json:"owner"`
	Description string    `json:"description"`
	Created     time.Time `json:"created"`
	Success     *bool     `json:"success"`
}

// LogView is the body of GET /logs/:id.
type LogView struct {
	TaskLog
	State  string `json:"state,omitempty"`
	Output string `json:"output"`
	// Expired is set once the task itself has been purged.
	Expired bool `json:"expired,omitempty"`
}

// Index is the body of GET /apps.
type Index struct {
	Apps         []string          `json:"apps"`
	GlobalConfig map[string]string `json:"global_config"`
}

// AppView is the body of GET /apps/:app.
type AppView struct {
	Name        string                         `json:"name"`
	GitHubURL   string                         `json:"github_url,omitempty"`
	Config      map[string]string              `json:"config"`
	ConfigKeys  []string                       `json:"config_keys"`
	Domains     []string                       `json:"domains"`
	Process     Process                        `json:"process"`
	Datastores  map[string][]map[string]string `json:"datastores"`
	Letsencrypt map[string]string              `json:"letsencrypt,omitempty"`
	Buildpacks  []string                       `json:"buildpacks"`
	Logs        string                         `json:"logs"`
	TaskLogs    []TaskLog                      `json:"task_logs"`
	Errors      map[string]string              `json:"errors,omitempty"`
}

// Process is the ps:report section of AppView.
type Process struct {
	Fields    map[string]string `json:"fields"`
	Processes map[string]string `json:"processes"`
}

// SetupKey is returned when dokku rejects the dashboard key.
type SetupKey struct {
	Error     string `json:"error"`
	PublicKey string `json:"public_key"`
}

// Error is the body of every other failure.
type Error struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	// Output carries the command output when a command failed.
	Output string `json:"output,omitempty"`
}
