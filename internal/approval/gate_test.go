package approval

import (
	"errors"
	"testing"
	"time"

	"github.com/kalambet/factreel/internal/storage"
)

func newTestGate(t *testing.T, ttl time.Duration) (*Gate, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewGate(store, ttl), store
}

type resumeRecorder struct {
	calls []string // "subjectID/choice"
}

func (r *resumeRecorder) fn(requestID, subjectID, choice string) {
	r.calls = append(r.calls, subjectID+"/"+choice)
}

func TestDecideFirstWinsDuplicateIsNoop(t *testing.T) {
	gate, _ := newTestGate(t, time.Hour)
	rec := &resumeRecorder{}
	gate.OnDecision(KindUpload, rec.fn)

	reqID, err := gate.Open("job-1", KindUpload, []string{ChoiceApprove, ChoiceSkip}, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	outcome, err := gate.Decide(reqID, ChoiceApprove, "alice")
	if err != nil {
		t.Fatalf("first Decide: %v", err)
	}
	if outcome != Applied {
		t.Errorf("first Decide = %v, want Applied", outcome)
	}

	// Duplicate delivery with a conflicting choice must not change anything.
	outcome, err = gate.Decide(reqID, ChoiceSkip, "alice")
	if err != nil {
		t.Fatalf("second Decide: %v", err)
	}
	if outcome != AlreadyDecided {
		t.Errorf("second Decide = %v, want AlreadyDecided", outcome)
	}

	if len(rec.calls) != 1 || rec.calls[0] != "job-1/approve" {
		t.Errorf("resume calls = %v, want exactly one approve for job-1", rec.calls)
	}
}

func TestDecideRejectsUnknownChoice(t *testing.T) {
	gate, _ := newTestGate(t, time.Hour)
	gate.OnDecision(KindIdea, func(string, string, string) {})

	reqID, _ := gate.Open("idea-1", KindIdea, []string{ChoiceApprove, ChoiceSkip}, 0)
	if _, err := gate.Decide(reqID, "publish", "bob"); !errors.Is(err, ErrInvalidChoice) {
		t.Errorf("expected ErrInvalidChoice, got %v", err)
	}
}

func TestExpiredRequestResolvesToSkipOnce(t *testing.T) {
	gate, _ := newTestGate(t, time.Hour)
	rec := &resumeRecorder{}
	gate.OnDecision(KindUpload, rec.fn)

	reqID, _ := gate.Open("job-2", KindUpload, []string{ChoiceApprove, ChoiceSkip}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	outcome, err := gate.Decide(reqID, ChoiceApprove, "alice")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if outcome != Expired {
		t.Errorf("Decide after ttl = %v, want Expired", outcome)
	}
	if len(rec.calls) != 1 || rec.calls[0] != "job-2/skip" {
		t.Errorf("resume calls = %v, want one skip for job-2", rec.calls)
	}

	// A later duplicate sees the resolved request, not a second expiry.
	outcome, _ = gate.Decide(reqID, ChoiceSkip, "alice")
	if outcome != AlreadyDecided {
		t.Errorf("post-expiry Decide = %v, want AlreadyDecided", outcome)
	}
	if len(rec.calls) != 1 {
		t.Errorf("expiry must resolve exactly once, resume calls = %v", rec.calls)
	}
}

func TestExpireStaleSweepsOnlyPastTTL(t *testing.T) {
	gate, _ := newTestGate(t, time.Hour)
	rec := &resumeRecorder{}
	gate.OnDecision(KindIdea, rec.fn)

	stale, _ := gate.Open("idea-old", KindIdea, []string{ChoiceApprove, ChoiceSkip}, time.Millisecond)
	fresh, _ := gate.Open("idea-new", KindIdea, []string{ChoiceApprove, ChoiceSkip}, time.Hour)
	time.Sleep(5 * time.Millisecond)

	if err := gate.ExpireStale(); err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(rec.calls) != 1 || rec.calls[0] != "idea-old/skip" {
		t.Errorf("resume calls = %v, want one skip for idea-old", rec.calls)
	}

	// The fresh request is still decidable.
	if outcome, err := gate.Decide(fresh, ChoiceApprove, "carol"); err != nil || outcome != Applied {
		t.Errorf("fresh Decide = (%v, %v), want (Applied, nil)", outcome, err)
	}
	_ = stale
}

func TestReplayRedispatchesUnresumedDecisions(t *testing.T) {
	gate, store := newTestGate(t, time.Hour)
	// No handler registered: the decision is recorded but the resume does not run.
	reqID, _ := gate.Open("job-3", KindUpload, []string{ChoiceApprove, ChoiceSkip}, 0)
	if outcome, err := gate.Decide(reqID, ChoiceApprove, "alice"); err != nil || outcome != Applied {
		t.Fatalf("Decide = (%v, %v)", outcome, err)
	}

	// Simulate restart: a new gate over the same store, handler now present.
	gate2 := NewGate(store, time.Hour)
	rec := &resumeRecorder{}
	gate2.OnDecision(KindUpload, rec.fn)
	if err := gate2.Replay(); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(rec.calls) != 1 || rec.calls[0] != "job-3/approve" {
		t.Errorf("replay calls = %v, want one approve for job-3", rec.calls)
	}

	// Replay after a successful resume is a no-op.
	if err := gate2.Replay(); err != nil {
		t.Fatalf("second Replay: %v", err)
	}
	if len(rec.calls) != 1 {
		t.Errorf("second replay must not re-dispatch, calls = %v", rec.calls)
	}
}

func TestPendingForSubject(t *testing.T) {
	gate, _ := newTestGate(t, time.Hour)
	reqID, _ := gate.Open("job-4", KindUpload, []string{ChoiceApprove, ChoiceSkip}, 0)

	got, ok := gate.PendingForSubject("job-4")
	if !ok || got != reqID {
		t.Errorf("PendingForSubject = (%q, %v), want (%q, true)", got, ok, reqID)
	}
	if _, ok := gate.PendingForSubject("job-missing"); ok {
		t.Error("unexpected pending request for unknown subject")
	}
}
