package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job is one pipeline run producing one artifact.
type Job struct {
	ID          string
	Channel     string
	Owner       string
	State       string // pipeline state name, owned by the pipeline package
	Stage       string // last stage the orchestrator entered
	InputKind   string // "text", "url", "image", "idea"
	InputText   string
	PayloadJSON string // accumulated stage outputs
	Fingerprint string // idea fingerprint, empty for direct submissions
	ArtifactRef string
	Failure     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Trigger is a recurring schedule entry owned by a channel/owner pair.
type Trigger struct {
	ID        string
	Channel   string
	Owner     string
	Schedule  string // "HH:MM" or "@every <duration>"
	IdeaCount int
	Enabled   bool
	NextFire  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Approval statuses.
const (
	ApprovalPending = "pending"
	ApprovalApplied = "applied"
	ApprovalExpired = "expired"
)

// Approval is a pending or resolved human decision for a job or idea.
type Approval struct {
	ID        string
	SubjectID string
	Kind      string // "idea" or "upload"
	Choices   string // comma-separated accepted choices
	Status    string
	Choice    string
	Actor     string
	Resumed   bool
	ExpiresAt time.Time
	DecidedAt time.Time
	CreatedAt time.Time
}

// HistoryEntry records one produced topic for a channel. Immutable once written.
type HistoryEntry struct {
	Channel     string
	Fingerprint string
	Topic       string
	CreatedAt   time.Time
}
