// Package approval records pending human decisions and applies each one
// exactly once. The bot transport delivers decisions at-least-once, so
// idempotency here is load-bearing, not cosmetic.
package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/factreel/internal/storage"
)

// Decision kinds.
const (
	KindIdea   = "idea"
	KindUpload = "upload"
)

// Decision choices.
const (
	ChoiceApprove = "approve"
	ChoiceSkip    = "skip"
)

// Outcome of a Decide call.
type Outcome int

const (
	// Applied: this call recorded the first valid decision.
	Applied Outcome = iota
	// AlreadyDecided: a decision was recorded earlier; this call had no effect.
	AlreadyDecided
	// Expired: the request's ttl elapsed before any decision; it resolved to skip.
	Expired
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyDecided:
		return "already_decided"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// ErrInvalidChoice is returned when the submitted choice is not in the
// request's accepted set.
var ErrInvalidChoice = errors.New("choice not accepted for this request")

// ResumeFunc receives a resolved decision. It runs after the decision is
// durably recorded, so a crash in between is recoverable via Replay.
type ResumeFunc func(requestID, subjectID, choice string)

// Gate owns approval requests. Decisions mutate only through Decide; expiry
// is observed lazily on the next interaction rather than by a timer.
type Gate struct {
	store      *storage.Store
	defaultTTL time.Duration
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers map[string]ResumeFunc
}

// NewGate creates a Gate. defaultTTL applies when Open is called with ttl <= 0.
func NewGate(store *storage.Store, defaultTTL time.Duration) *Gate {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Gate{
		store:      store,
		defaultTTL: defaultTTL,
		logger:     slog.Default(),
		handlers:   make(map[string]ResumeFunc),
	}
}

// OnDecision registers the resume handler for a decision kind. Each kind has
// exactly one handler; registering again replaces it.
func (g *Gate) OnDecision(kind string, fn ResumeFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[kind] = fn
}

func (g *Gate) handler(kind string) ResumeFunc {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.handlers[kind]
}

// Open creates a pending approval request for a subject and returns its id.
func (g *Gate) Open(subjectID, kind string, choices []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = g.defaultTTL
	}
	now := time.Now()
	req := storage.Approval{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		Kind:      kind,
		Choices:   strings.Join(choices, ","),
		Status:    storage.ApprovalPending,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := g.store.SaveApproval(req); err != nil {
		return "", fmt.Errorf("saving approval request: %w", err)
	}
	return req.ID, nil
}

// Decide applies a decision to a request. The first valid decision wins and
// returns Applied; duplicates return AlreadyDecided with no side effects. A
// request past its ttl resolves to skip and returns Expired.
func (g *Gate) Decide(requestID, choice, actor string) (Outcome, error) {
	req, err := g.store.GetApproval(requestID)
	if err != nil {
		return 0, fmt.Errorf("loading approval %s: %w", requestID, err)
	}

	if req.Status == storage.ApprovalPending && time.Now().After(req.ExpiresAt) {
		if err := g.expire(req); err != nil {
			return 0, err
		}
		return Expired, nil
	}
	if req.Status != storage.ApprovalPending {
		return AlreadyDecided, nil
	}

	if !choiceAccepted(req.Choices, choice) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}

	applied, err := g.store.ApplyDecision(requestID, choice, actor, time.Now())
	if err != nil {
		return 0, fmt.Errorf("recording decision for %s: %w", requestID, err)
	}
	if !applied {
		// Lost the race to a concurrent delivery of the same decision.
		return AlreadyDecided, nil
	}

	g.logger.Info("approval decided",
		"request_id", requestID, "subject_id", req.SubjectID,
		"kind", req.Kind, "choice", choice, "actor", actor)

	g.dispatch(requestID, req.SubjectID, req.Kind, choice)
	return Applied, nil
}

// expire resolves a stale pending request to skip. Conditional on the stored
// status, so a decision racing the expiry check still wins exactly once.
func (g *Gate) expire(req storage.Approval) error {
	expired, err := g.store.ExpireApproval(req.ID, time.Now())
	if err != nil {
		return fmt.Errorf("expiring approval %s: %w", req.ID, err)
	}
	if !expired {
		return nil
	}
	g.logger.Info("approval expired, resolving to skip",
		"request_id", req.ID, "subject_id", req.SubjectID, "kind", req.Kind)
	g.dispatch(req.ID, req.SubjectID, req.Kind, ChoiceSkip)
	return nil
}

// ExpireStale resolves every pending request whose ttl has elapsed. Called at
// startup and opportunistically by callers that touch the gate.
func (g *Gate) ExpireStale() error {
	pending, err := g.store.ListPendingApprovals()
	if err != nil {
		return fmt.Errorf("listing pending approvals: %w", err)
	}
	now := time.Now()
	for _, req := range pending {
		if now.After(req.ExpiresAt) {
			if err := g.expire(req); err != nil {
				return err
			}
		}
	}
	return nil
}

// Replay re-dispatches resolved decisions whose resume transition never ran,
// recovering from a crash between decision and resume.
func (g *Gate) Replay() error {
	unresumed, err := g.store.ListUnresumedApprovals()
	if err != nil {
		return fmt.Errorf("listing unresumed approvals: %w", err)
	}
	for _, req := range unresumed {
		choice := req.Choice
		if req.Status == storage.ApprovalExpired {
			choice = ChoiceSkip
		}
		g.logger.Info("replaying unresumed decision",
			"request_id", req.ID, "subject_id", req.SubjectID, "choice", choice)
		g.dispatch(req.ID, req.SubjectID, req.Kind, choice)
	}
	return nil
}

// TouchSubject observes expiry for a subject's pending request. Callers
// interacting with a subject (status reads, prompts) call this instead of the
// gate running its own timer.
func (g *Gate) TouchSubject(subjectID string) {
	pending, err := g.store.ListPendingApprovals()
	if err != nil {
		g.logger.Error("listing pending approvals", "error", err)
		return
	}
	now := time.Now()
	for _, req := range pending {
		if req.SubjectID == subjectID && now.After(req.ExpiresAt) {
			if err := g.expire(req); err != nil {
				g.logger.Error("expiring approval", "request_id", req.ID, "error", err)
			}
		}
	}
}

// PendingForSubject returns the open request id for a subject, if any.
func (g *Gate) PendingForSubject(subjectID string) (string, bool) {
	pending, err := g.store.ListPendingApprovals()
	if err != nil {
		g.logger.Error("listing pending approvals", "error", err)
		return "", false
	}
	for _, req := range pending {
		if req.SubjectID == subjectID {
			return req.ID, true
		}
	}
	return "", false
}

func (g *Gate) dispatch(requestID, subjectID, kind, choice string) {
	fn := g.handler(kind)
	if fn == nil {
		g.logger.Warn("no resume handler for decision kind", "kind", kind, "request_id", requestID)
		return
	}
	fn(requestID, subjectID, choice)
	if err := g.store.MarkApprovalResumed(requestID); err != nil {
		g.logger.Error("marking approval resumed", "request_id", requestID, "error", err)
	}
}

func choiceAccepted(accepted, choice string) bool {
	for _, c := range strings.Split(accepted, ",") {
		if strings.TrimSpace(c) == choice {
			return true
		}
	}
	return false
}
