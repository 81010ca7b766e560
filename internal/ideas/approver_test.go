package ideas

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/factreel/internal/approval"
	"github.com/kalambet/factreel/internal/notify"
	"github.com/kalambet/factreel/internal/storage"
)

type captureNotifier struct {
	mu      sync.Mutex
	prompts []notify.Prompt
}

func (n *captureNotifier) PromptApproval(p notify.Prompt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prompts = append(n.prompts, p)
}

func (n *captureNotifier) JobFinished(jobID, channel, state, detail string) {}

func newTestGate(t *testing.T) *approval.Gate {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return approval.NewGate(db, time.Hour)
}

func testIdea(channel, title string) Idea {
	return Idea{
		ID:        uuid.New().String(),
		BatchID:   uuid.New().String(),
		Channel:   channel,
		Title:     title,
		Body:      "body of " + title,
		CreatedAt: time.Now(),
	}
}

func TestProposeOpensOneRequestPerIdea(t *testing.T) {
	gate := newTestGate(t)
	notifier := &captureNotifier{}
	a := NewApprover(gate, notifier, func(ctx context.Context, idea Idea) (string, error) {
		return "job-1", nil
	})

	batch := []Idea{testIdea("science", "one"), testIdea("science", "two")}
	if err := a.Propose(batch); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if len(notifier.prompts) != 2 {
		t.Fatalf("got %d prompts, want 2", len(notifier.prompts))
	}
	if a.PendingCount() != 2 {
		t.Errorf("pending = %d, want 2", a.PendingCount())
	}
	for _, p := range notifier.prompts {
		if p.Kind != approval.KindIdea {
			t.Errorf("prompt kind = %q", p.Kind)
		}
	}
}

func TestApprovedIdeaSpawnsJob(t *testing.T) {
	gate := newTestGate(t)
	notifier := &captureNotifier{}

	var spawned []Idea
	a := NewApprover(gate, notifier, func(ctx context.Context, idea Idea) (string, error) {
		spawned = append(spawned, idea)
		return "job-1", nil
	})

	idea := testIdea("science", "octopus hearts")
	if err := a.Propose([]Idea{idea}); err != nil {
		t.Fatal(err)
	}

	reqID := notifier.prompts[0].RequestID
	if _, err := gate.Decide(reqID, approval.ChoiceApprove, "alice"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if len(spawned) != 1 {
		t.Fatalf("spawned %d jobs, want 1", len(spawned))
	}
	if spawned[0].Title != "octopus hearts" {
		t.Errorf("spawned idea = %+v", spawned[0])
	}
	if a.PendingCount() != 0 {
		t.Errorf("pending = %d after decision, want 0", a.PendingCount())
	}
}

func TestSkippedIdeaDoesNotSpawn(t *testing.T) {
	gate := newTestGate(t)
	notifier := &captureNotifier{}

	spawnCalls := 0
	a := NewApprover(gate, notifier, func(ctx context.Context, idea Idea) (string, error) {
		spawnCalls++
		return "", nil
	})

	if err := a.Propose([]Idea{testIdea("science", "meh")}); err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Decide(notifier.prompts[0].RequestID, approval.ChoiceSkip, ""); err != nil {
		t.Fatal(err)
	}

	if spawnCalls != 0 {
		t.Errorf("skip spawned %d jobs", spawnCalls)
	}
	if a.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", a.PendingCount())
	}
}

func TestDecisionForUnknownIdeaIsNoop(t *testing.T) {
	gate := newTestGate(t)
	notifier := &captureNotifier{}

	spawnCalls := 0
	NewApprover(gate, notifier, func(ctx context.Context, idea Idea) (string, error) {
		spawnCalls++
		return "", nil
	})

	// A request whose idea was never proposed here, as after a restart.
	reqID, err := gate.Open("ghost-idea", approval.KindIdea,
		[]string{approval.ChoiceApprove, approval.ChoiceSkip}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Decide(reqID, approval.ChoiceApprove, ""); err != nil {
		t.Fatal(err)
	}

	if spawnCalls != 0 {
		t.Errorf("unknown idea spawned %d jobs", spawnCalls)
	}
}
