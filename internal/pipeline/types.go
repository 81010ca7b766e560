package pipeline

import (
	"context"
	"time"
)

// State is a job's position in the pipeline state machine.
type State string

const (
	StateCreated               State = "created"
	StateExtracting            State = "extracting"
	StateFactExtracted         State = "fact_extracted"
	StateImageFound            State = "image_found"
	StateCardBuilt             State = "card_built"
	StateVideoAssembled        State = "video_assembled"
	StatePendingUploadApproval State = "pending_upload_approval"
	StateUploaded              State = "uploaded"
	StateSkipped               State = "skipped"
	StateFailed                State = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s State) Terminal() bool {
	return s == StateUploaded || s == StateSkipped || s == StateFailed
}

// Input kinds.
const (
	KindText  = "text"
	KindURL   = "url"
	KindImage = "image"
	KindIdea  = "idea"
)

// Fact is the extracted content a card and video are built from.
type Fact struct {
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Keywords    []string `json:"keywords,omitempty"`
	VideoTitle  string   `json:"video_title,omitempty"`
	Description string   `json:"description,omitempty"`
	Hashtags    []string `json:"hashtags,omitempty"`
}

// Input is one unit of raw work submitted to the pipeline.
type Input struct {
	Channel     string
	Owner       string
	Kind        string // text, url, image, idea
	Text        string
	Image       []byte
	Fact        *Fact  // pre-generated fact (idea path); skips extraction
	Fingerprint string // idea fingerprint, empty for direct submissions
}

// Payload accumulates stage outputs on the job record so a restart resumes
// from the last completed stage instead of replaying external calls.
type Payload struct {
	Image    []byte `json:"image,omitempty"`
	Fact     *Fact  `json:"fact,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
	CardRef  string `json:"card_ref,omitempty"`
	VideoRef string `json:"video_ref,omitempty"`
}

// JobView is the read-only status projection of a job.
type JobView struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	Owner       string    `json:"owner,omitempty"`
	State       State     `json:"state"`
	Stage       string    `json:"stage,omitempty"`
	Title       string    `json:"title,omitempty"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Failure     string    `json:"failure,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ContentExtractor turns raw input into text suitable for fact extraction.
type ContentExtractor interface {
	Extract(ctx context.Context, kind, text string, image []byte) (string, error)
}

// FactExtractor distills raw text into a Fact.
type FactExtractor interface {
	ExtractFacts(ctx context.Context, raw, channelDescription string) (Fact, error)
}

// ImageFinder locates a related image and returns a reference to it.
type ImageFinder interface {
	FindImage(ctx context.Context, keywords []string) (string, error)
}

// CardBuilder renders the fact card and returns a reference to it.
type CardBuilder interface {
	BuildCard(ctx context.Context, channel string, fact Fact, imageRef string) (string, error)
}

// VideoAssembler muxes the card into the final short video.
type VideoAssembler interface {
	AssembleVideo(ctx context.Context, channel, cardRef string) (string, error)
}

// Publisher uploads a finished video to the external platform.
type Publisher interface {
	Publish(ctx context.Context, channel, videoRef string, fact Fact) (platformID string, err error)
}

// Collaborators bundles the external stage contracts the orchestrator drives.
type Collaborators struct {
	Content ContentExtractor
	Facts   FactExtractor
	Images  ImageFinder
	Cards   CardBuilder
	Videos  VideoAssembler
	Publish Publisher
}
