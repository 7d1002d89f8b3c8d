package internal

import "time"

// Run statuses.
const (
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
)

// Run is one pipeline execution against a book.
type Run struct {
	ID         string     `json:"id"`
	Book       string     `json:"book"`
	Stages     []string   `json:"stages"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
