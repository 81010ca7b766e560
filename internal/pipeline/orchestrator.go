// Package pipeline sequences the stages that turn raw input into a published
// short video. The Orchestrator owns every job for its lifetime: collaborators
// never mutate job state, the approval gate and channel lanes only reference
// it.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/factreel/internal/approval"
	"github.com/kalambet/factreel/internal/lane"
	"github.com/kalambet/factreel/internal/notify"
	"github.com/kalambet/factreel/internal/stage"
	"github.com/kalambet/factreel/internal/storage"
)

// HistoryRecorder records produced topics for dedup.
type HistoryRecorder interface {
	Record(channel, topic string) error
}

// Deps bundles everything the Orchestrator needs.
type Deps struct {
	Store         *storage.Store
	Lanes         *lane.Lanes
	Gate          *approval.Gate
	Executor      *stage.Executor
	Collaborators Collaborators
	Notifier      notify.Notifier
	History       HistoryRecorder
	// ChannelDescriptions maps channel slug to the style description passed
	// to fact extraction.
	ChannelDescriptions map[string]string
	// Workers is the size of the fixed job worker pool (default 4).
	Workers int
}

// Orchestrator runs the per-job state machine on a fixed worker pool. Jobs
// parked on approval hold no worker; they are resumed by the gate's decision
// callback.
type Orchestrator struct {
	store    *storage.Store
	lanes    *lane.Lanes
	gate     *approval.Gate
	exec     *stage.Executor
	collab   Collaborators
	notifier notify.Notifier
	history  HistoryRecorder
	descs    map[string]string
	workers  int
	work     chan string
	baseCtx  context.Context
	logger   *slog.Logger
}

// New creates an Orchestrator and registers it for upload decisions.
func New(deps Deps) *Orchestrator {
	workers := deps.Workers
	if workers <= 0 {
		workers = 4
	}
	o := &Orchestrator{
		store:    deps.Store,
		lanes:    deps.Lanes,
		gate:     deps.Gate,
		exec:     deps.Executor,
		collab:   deps.Collaborators,
		notifier: deps.Notifier,
		history:  deps.History,
		descs:    deps.ChannelDescriptions,
		workers:  workers,
		work:     make(chan string, 128),
		baseCtx:  context.Background(),
		logger:   slog.Default(),
	}
	o.gate.OnDecision(approval.KindUpload, o.onUploadDecision)
	return o
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.baseCtx = ctx
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-o.work:
					o.runJob(ctx, id)
				}
			}
		})
	}
	return g.Wait()
}

// Submit creates a job for the input and admits it to its channel lane. A
// busy lane queues the job instead of rejecting it.
func (o *Orchestrator) Submit(ctx context.Context, in Input) (string, error) {
	if in.Channel == "" {
		return "", fmt.Errorf("channel is required")
	}
	if in.Kind == "" {
		in.Kind = KindText
	}

	payload := Payload{Image: in.Image, Fact: in.Fact}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}

	now := time.Now()
	job := storage.Job{
		ID:          uuid.New().String(),
		Channel:     in.Channel,
		Owner:       in.Owner,
		State:       string(StateCreated),
		InputKind:   in.Kind,
		InputText:   in.Text,
		PayloadJSON: string(payloadJSON),
		Fingerprint: in.Fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.SaveJob(job); err != nil {
		return "", fmt.Errorf("saving job: %w", err)
	}

	started, pos := o.lanes.Admit(in.Channel, job.ID)
	if started {
		o.enqueue(job.ID)
	} else {
		o.logger.Info("job queued behind channel lane",
			"job_id", job.ID, "channel", in.Channel, "position", pos)
	}
	return job.ID, nil
}

// Status returns the read-only view of a job. Reading a parked job observes
// its approval's expiry lazily.
func (o *Orchestrator) Status(jobID string) (JobView, error) {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return JobView{}, err
	}
	if State(job.State) == StatePendingUploadApproval {
		o.gate.TouchSubject(job.ID)
		if job, err = o.store.GetJob(jobID); err != nil {
			return JobView{}, err
		}
	}

	view := JobView{
		ID:          job.ID,
		Channel:     job.Channel,
		Owner:       job.Owner,
		State:       State(job.State),
		Stage:       job.Stage,
		ArtifactRef: job.ArtifactRef,
		Failure:     job.Failure,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	var p Payload
	if json.Unmarshal([]byte(job.PayloadJSON), &p) == nil && p.Fact != nil {
		view.Title = p.Fact.Title
	}
	return view, nil
}

// Recover re-admits persisted jobs after a restart: parked jobs reclaim their
// channel slots first, then interrupted jobs are requeued behind them.
func (o *Orchestrator) Recover() error {
	parked, err := o.store.ListJobsInStates(string(StatePendingUploadApproval))
	if err != nil {
		return fmt.Errorf("listing parked jobs: %w", err)
	}
	for _, j := range parked {
		o.lanes.Admit(j.Channel, j.ID)
	}

	active, err := o.store.ListJobsInStates(
		string(StateCreated), string(StateExtracting), string(StateFactExtracted),
		string(StateImageFound), string(StateCardBuilt), string(StateVideoAssembled),
	)
	if err != nil {
		return fmt.Errorf("listing interrupted jobs: %w", err)
	}
	for _, j := range active {
		started, pos := o.lanes.Admit(j.Channel, j.ID)
		if started {
			o.enqueue(j.ID)
			o.logger.Info("recovered job requeued", "job_id", j.ID, "state", j.State)
		} else {
			o.logger.Info("recovered job waiting on lane",
				"job_id", j.ID, "channel", j.Channel, "position", pos)
		}
	}
	return nil
}

// enqueue hands a job to the worker pool without ever blocking the caller.
func (o *Orchestrator) enqueue(id string) {
	select {
	case o.work <- id:
	default:
		go func() { o.work <- id }()
	}
}

func (o *Orchestrator) describe(channel string) string {
	return o.descs[channel]
}

// runJob drives one job through the stage sequence until it parks on
// approval or fails. Completed stage outputs persisted in the payload are not
// re-executed, so a recovered job resumes where it stopped.
func (o *Orchestrator) runJob(ctx context.Context, id string) {
	job, err := o.store.GetJob(id)
	if err != nil {
		o.logger.Error("loading job", "job_id", id, "error", err)
		return
	}
	st := State(job.State)
	if st.Terminal() || st == StatePendingUploadApproval {
		o.logger.Warn("job not runnable", "job_id", id, "state", job.State)
		return
	}

	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		o.finish(&job, StateFailed, fmt.Sprintf("decoding payload: %v", err))
		return
	}

	if p.Fact == nil {
		o.transition(&job, StateExtracting, "extract", &p)

		var raw string
		err := o.exec.Run(ctx, "extract", func(ctx context.Context) error {
			var err error
			raw, err = o.collab.Content.Extract(ctx, job.InputKind, job.InputText, p.Image)
			return err
		})
		if err != nil {
			o.finish(&job, StateFailed, err.Error())
			return
		}

		var fact Fact
		err = o.exec.Run(ctx, "facts", func(ctx context.Context) error {
			var err error
			fact, err = o.collab.Facts.ExtractFacts(ctx, raw, o.describe(job.Channel))
			return err
		})
		if err != nil {
			o.finish(&job, StateFailed, err.Error())
			return
		}
		p.Fact = &fact
	}
	o.transition(&job, StateFactExtracted, "facts", &p)

	if p.ImageRef == "" {
		var ref string
		err := o.exec.Run(ctx, "image", func(ctx context.Context) error {
			var err error
			ref, err = o.collab.Images.FindImage(ctx, p.Fact.Keywords)
			return err
		})
		if err != nil {
			o.finish(&job, StateFailed, err.Error())
			return
		}
		p.ImageRef = ref
	}
	o.transition(&job, StateImageFound, "image", &p)

	if p.CardRef == "" {
		var ref string
		err := o.exec.Run(ctx, "card", func(ctx context.Context) error {
			var err error
			ref, err = o.collab.Cards.BuildCard(ctx, job.Channel, *p.Fact, p.ImageRef)
			return err
		})
		if err != nil {
			o.finish(&job, StateFailed, err.Error())
			return
		}
		p.CardRef = ref
	}
	o.transition(&job, StateCardBuilt, "card", &p)

	if p.VideoRef == "" {
		var ref string
		err := o.exec.Run(ctx, "video", func(ctx context.Context) error {
			var err error
			ref, err = o.collab.Videos.AssembleVideo(ctx, job.Channel, p.CardRef)
			return err
		})
		if err != nil {
			o.finish(&job, StateFailed, err.Error())
			return
		}
		p.VideoRef = ref
	}
	o.transition(&job, StateVideoAssembled, "video", &p)

	if err := o.history.Record(job.Channel, p.Fact.Title); err != nil {
		o.logger.Warn("recording topic history", "job_id", job.ID, "error", err)
	}

	reqID, err := o.gate.Open(job.ID, approval.KindUpload,
		[]string{approval.ChoiceApprove, approval.ChoiceSkip}, 0)
	if err != nil {
		o.finish(&job, StateFailed, fmt.Sprintf("opening upload approval: %v", err))
		return
	}
	o.transition(&job, StatePendingUploadApproval, "approval", &p)

	o.notifier.PromptApproval(notify.Prompt{
		RequestID: reqID,
		SubjectID: job.ID,
		Kind:      approval.KindUpload,
		Channel:   job.Channel,
		Summary:   p.Fact.Title,
		Choices:   []string{approval.ChoiceApprove, approval.ChoiceSkip},
	})
	// The worker is free from here; the lane slot stays held until a decision
	// (or expiry) drives the job terminal.
}

// onUploadDecision resumes a parked job. Resuming an already-terminal job is
// a no-op so duplicate decision delivery is harmless.
func (o *Orchestrator) onUploadDecision(requestID, jobID, choice string) {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		o.logger.Error("loading job for resume", "job_id", jobID, "error", err)
		return
	}
	if State(job.State).Terminal() {
		return
	}

	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		o.finish(&job, StateFailed, fmt.Sprintf("decoding payload: %v", err))
		return
	}

	if choice != approval.ChoiceApprove {
		o.finish(&job, StateSkipped, "")
		return
	}

	var fact Fact
	if p.Fact != nil {
		fact = *p.Fact
	}
	var platformID string
	err = o.exec.Run(o.baseCtx, "publish", func(ctx context.Context) error {
		var err error
		platformID, err = o.collab.Publish.Publish(ctx, job.Channel, p.VideoRef, fact)
		return err
	})
	if err != nil {
		o.finish(&job, StateFailed, err.Error())
		return
	}
	job.ArtifactRef = platformID
	o.finish(&job, StateUploaded, platformID)
}

// transition persists a forward state change.
func (o *Orchestrator) transition(job *storage.Job, state State, stageName string, p *Payload) {
	payloadJSON, err := json.Marshal(p)
	if err != nil {
		o.logger.Error("encoding payload", "job_id", job.ID, "error", err)
	} else {
		job.PayloadJSON = string(payloadJSON)
	}
	job.State = string(state)
	job.Stage = stageName
	job.UpdatedAt = time.Now()
	if err := o.store.SaveJob(*job); err != nil {
		o.logger.Error("persisting job state", "job_id", job.ID, "state", state, "error", err)
	}
	o.logger.Debug("job state", "job_id", job.ID, "state", state)
}

// finish drives a job terminal: persist, notify exactly once, release the
// channel lane and start the next queued job if any.
func (o *Orchestrator) finish(job *storage.Job, state State, detail string) {
	job.State = string(state)
	if state == StateFailed {
		job.Failure = detail
	}
	job.UpdatedAt = time.Now()
	if err := o.store.SaveJob(*job); err != nil {
		o.logger.Error("persisting terminal state", "job_id", job.ID, "error", err)
	}

	o.notifier.JobFinished(job.ID, job.Channel, job.State, detail)

	if next, promoted := o.lanes.Release(job.Channel, job.ID); promoted {
		o.enqueue(next)
	}
}
