// Package update implements the self-update daemon: version checks against
// the configured git remote, snapshot-protected applies with rollback, and
// the datastore KV channel it shares with the web daemon. The web side
// writes requests and reads status; this daemon does everything else.
package update

import "time"

// KV channel keys. The request key is consumed (get-and-delete) so a
// request is acted on exactly once.
const (
	KeyRequest = "update:request"
	KeyStatus  = "update:status"
	KeyResult  = "update:result"
)

// Request actions.
const (
	ActionCheck = "check"
	ActionApply = "apply"
)

// Request is written by the web daemon to KeyRequest.
type Request struct {
	Action  string `json:"action"`
	Version string `json:"version,omitempty"`
}

// Status is the last version-check outcome, kept under KeyStatus.
type Status struct {
	CurrentVersion string    `json:"current_version"`
	LatestVersion  string    `json:"latest_version"`
	Available      bool      `json:"available"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Result is the outcome of the last apply, kept under KeyResult.
type Result struct {
	Success bool   `json:"success"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}
