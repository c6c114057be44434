package model

import "time"

// RunStatus is the outcome of the last scrape of a (query, location) pair.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusOK      RunStatus = "ok"
	RunStatusError   RunStatus = "error"
)

// Valid reports whether s is one of pending, ok, error.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusOK, RunStatusError:
		return true
	}
	return false
}

// RunIdentity is the natural key of the run tracker.
type RunIdentity struct {
	Query    string `json:"query"`
	Location string `json:"location"`
}

// NewRunIdentity normalizes query and location the same way search identities are.
func NewRunIdentity(query, location string) RunIdentity {
	return RunIdentity{Query: NormalizeKey(query), Location: NormalizeKey(location)}
}

// PipelineRun tracks the last scrape of one (query, location) pair.
type PipelineRun struct {
	Query         string     `json:"query"`
	Location      string     `json:"location"`
	Status        RunStatus  `json:"status"`
	ResultCount   int        `json:"result_count"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Identity returns the run's natural key.
func (r PipelineRun) Identity() RunIdentity {
	return RunIdentity{Query: r.Query, Location: r.Location}
}

// Due reports whether the pair should be scraped again: it never succeeded,
// or its last success is older than maxAge.
func (r PipelineRun) Due(now time.Time, maxAge time.Duration) bool {
	if r.LastSuccessAt == nil {
		return true
	}
	return now.Sub(*r.LastSuccessAt) > maxAge
}
