package ideas

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/factreel/internal/approval"
	"github.com/kalambet/factreel/internal/notify"
)

// SpawnFunc turns an approved idea into a pipeline job.
type SpawnFunc func(ctx context.Context, idea Idea) (jobID string, err error)

// Approver holds ideas awaiting their approval decision. Ideas are ephemeral:
// they live only until decided, and a restart discards them (the next trigger
// fire regenerates a fresh batch).
type Approver struct {
	gate     *approval.Gate
	notifier notify.Notifier
	spawn    SpawnFunc
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]Idea // keyed by idea id, the approval subject
}

// NewApprover creates an Approver and registers it for idea decisions.
func NewApprover(gate *approval.Gate, notifier notify.Notifier, spawn SpawnFunc) *Approver {
	a := &Approver{
		gate:     gate,
		notifier: notifier,
		spawn:    spawn,
		logger:   slog.Default(),
		pending:  make(map[string]Idea),
	}
	gate.OnDecision(approval.KindIdea, a.onDecision)
	return a
}

// Propose opens one approval request per idea and prompts the operator.
func (a *Approver) Propose(batch []Idea) error {
	for _, idea := range batch {
		reqID, err := a.gate.Open(idea.ID, approval.KindIdea,
			[]string{approval.ChoiceApprove, approval.ChoiceSkip}, 0)
		if err != nil {
			return fmt.Errorf("opening approval for idea %s: %w", idea.ID, err)
		}

		a.mu.Lock()
		a.pending[idea.ID] = idea
		a.mu.Unlock()

		a.notifier.PromptApproval(notify.Prompt{
			RequestID: reqID,
			SubjectID: idea.ID,
			Kind:      approval.KindIdea,
			Channel:   idea.Channel,
			Summary:   idea.Title,
			Choices:   []string{approval.ChoiceApprove, approval.ChoiceSkip},
		})
	}
	return nil
}

// PendingCount reports how many ideas await a decision.
func (a *Approver) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Approver) onDecision(requestID, ideaID, choice string) {
	a.mu.Lock()
	idea, ok := a.pending[ideaID]
	delete(a.pending, ideaID)
	a.mu.Unlock()

	if !ok {
		// Either a duplicate delivery or an idea dropped by a restart.
		a.logger.Warn("decision for unknown idea", "idea_id", ideaID, "request_id", requestID)
		return
	}
	if choice != approval.ChoiceApprove {
		a.logger.Info("idea skipped", "idea_id", ideaID, "channel", idea.Channel, "title", idea.Title)
		return
	}

	jobID, err := a.spawn(context.Background(), idea)
	if err != nil {
		a.logger.Error("spawning job for approved idea",
			"idea_id", ideaID, "channel", idea.Channel, "error", err)
		return
	}
	a.logger.Info("idea approved, job created",
		"idea_id", ideaID, "job_id", jobID, "channel", idea.Channel)
}
