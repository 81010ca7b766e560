// Package ideas turns raw candidate topics from the generation collaborator
// into a deduplicated batch, filtered against the channel's history.
package ideas

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/factreel/internal/fingerprint"
)

// Candidate is a raw topic proposed by the generation collaborator.
type Candidate struct {
	Title string
	Body  string
}

// Idea is a deduplicated candidate ready for approval.
type Idea struct {
	ID          string
	BatchID     string
	Channel     string
	Title       string
	Body        string
	Fingerprint string
	CreatedAt   time.Time
}

// Source generates raw candidate ideas for a channel. The avoid list carries
// topics the collaborator should steer away from.
type Source interface {
	GenerateIdeas(ctx context.Context, channel string, n int, avoid []string) ([]Candidate, error)
}

// History answers dedup queries for a channel.
type History interface {
	Contains(channel, fp string) (bool, error)
	NearDuplicate(channel, text string) (bool, error)
	RecentTopics(channel string, limit int) ([]string, error)
}

// Coordinator collects n unique ideas, regenerating with an explicit
// avoid-list until the batch is full or the round budget runs out.
type Coordinator struct {
	source    Source
	history   History
	maxRounds int
	avoidHint int // how many recent topics to include in the avoid list
	logger    *slog.Logger
}

// NewCoordinator creates a Coordinator. If maxRounds is <= 0, it defaults to 3.
func NewCoordinator(source Source, hist History, maxRounds int) *Coordinator {
	if maxRounds <= 0 {
		maxRounds = 3
	}
	return &Coordinator{
		source:    source,
		history:   hist,
		maxRounds: maxRounds,
		avoidHint: 30,
		logger:    slog.Default(),
	}
}

// Generate returns up to n ideas for the channel, none of which collide with
// retained history or with each other. It returns fewer than n rather than
// looping unboundedly.
func (c *Coordinator) Generate(ctx context.Context, channel string, n int) ([]Idea, error) {
	if n <= 0 {
		return nil, nil
	}

	batchID := uuid.New().String()
	avoid, err := c.history.RecentTopics(channel, c.avoidHint)
	if err != nil {
		return nil, fmt.Errorf("loading recent topics: %w", err)
	}

	var batch []Idea
	seen := make(map[string]struct{})

	for round := 1; round <= c.maxRounds && len(batch) < n; round++ {
		if err := ctx.Err(); err != nil {
			return batch, err
		}

		candidates, err := c.source.GenerateIdeas(ctx, channel, n-len(batch), avoid)
		if err != nil {
			if len(batch) > 0 {
				c.logger.Warn("idea generation round failed, returning partial batch",
					"channel", channel, "round", round, "error", err)
				return batch, nil
			}
			return nil, fmt.Errorf("generating ideas: %w", err)
		}

		for _, cand := range candidates {
			if len(batch) >= n {
				break
			}
			topic := cand.Title
			if topic == "" {
				continue
			}
			fp := fingerprint.Hash(topic)

			if _, dup := seen[fp]; dup {
				continue
			}
			if inBatchNearDup(batch, topic) {
				continue
			}

			exact, err := c.history.Contains(channel, fp)
			if err != nil {
				return batch, fmt.Errorf("checking history: %w", err)
			}
			if exact {
				avoid = append(avoid, topic)
				continue
			}
			near, err := c.history.NearDuplicate(channel, topic)
			if err != nil {
				return batch, fmt.Errorf("checking near-duplicates: %w", err)
			}
			if near {
				avoid = append(avoid, topic)
				continue
			}

			seen[fp] = struct{}{}
			batch = append(batch, Idea{
				ID:          uuid.New().String(),
				BatchID:     batchID,
				Channel:     channel,
				Title:       cand.Title,
				Body:        cand.Body,
				Fingerprint: fp,
				CreatedAt:   time.Now(),
			})
		}
	}

	if len(batch) < n {
		c.logger.Info("idea batch under target after round budget",
			"channel", channel, "want", n, "got", len(batch))
	}
	return batch, nil
}

// inBatchThreshold is stricter than the history threshold: candidates in the
// same batch came from the same generation call, so near-identical phrasing
// is the only collision worth catching here.
const inBatchThreshold = 0.9

func inBatchNearDup(batch []Idea, topic string) bool {
	for _, idea := range batch {
		if fingerprint.Jaccard(idea.Title, topic) >= inBatchThreshold {
			return true
		}
	}
	return false
}
