// Package notify carries user-facing messages out through the bot transport.
// The transport itself is an external collaborator; this package defines the
// contract and a slog-backed default used when no bot is wired.
package notify

import "log/slog"

// Prompt asks a human for a decision on a subject.
type Prompt struct {
	RequestID string
	SubjectID string
	Kind      string // "idea" or "upload"
	Channel   string
	Summary   string
	Choices   []string
}

// Notifier delivers outbound messages. Delivery is best-effort; the approval
// gate's ttl covers prompts that never reach anyone.
type Notifier interface {
	// PromptApproval announces a pending decision with its choices.
	PromptApproval(p Prompt)
	// JobFinished announces a job's terminal state. Called exactly once per job.
	JobFinished(jobID, channel, state, detail string)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

func (LogNotifier) PromptApproval(p Prompt) {
	slog.Info("approval requested",
		"request_id", p.RequestID, "subject_id", p.SubjectID,
		"kind", p.Kind, "channel", p.Channel,
		"summary", p.Summary, "choices", p.Choices)
}

func (LogNotifier) JobFinished(jobID, channel, state, detail string) {
	slog.Info("job finished",
		"job_id", jobID, "channel", channel, "state", state, "detail", detail)
}
