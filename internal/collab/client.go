// Package collab talks to the media/AI collaborator service over HTTP. Each
// pipeline stage is one endpoint; the service owns prompts, rendering, and
// encoding. Transport and server failures map onto the stage error taxonomy
// so the executor knows what to retry.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/factreel/internal/ideas"
	"github.com/kalambet/factreel/internal/pipeline"
	"github.com/kalambet/factreel/internal/stage"
)

// Client implements the pipeline collaborator contracts and the idea source
// against a single collaborator service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the collaborator service base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // video assembly can be slow; stage timeouts bound attempts
		},
	}
}

// post sends a JSON request and decodes a JSON response. Network failures,
// 5xx, and 429 are retryable; any other non-2xx status is fatal.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return stage.Fatal(fmt.Errorf("encoding request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return stage.Fatal(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return stage.Retryable(fmt.Errorf("calling %s: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return stage.Retryable(fmt.Errorf("%s returned status %d", path, resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return stage.Fatal(fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return stage.Fatal(fmt.Errorf("decoding %s response: %w", path, err))
	}
	return nil
}

// --- pipeline.FactExtractor ---

type factRequest struct {
	Text               string `json:"text"`
	ChannelDescription string `json:"channel_description,omitempty"`
}

func (c *Client) ExtractFacts(ctx context.Context, raw, channelDescription string) (pipeline.Fact, error) {
	var fact pipeline.Fact
	err := c.post(ctx, "/facts", factRequest{Text: raw, ChannelDescription: channelDescription}, &fact)
	if err != nil {
		return pipeline.Fact{}, err
	}
	if fact.Title == "" {
		return pipeline.Fact{}, stage.Fatal(fmt.Errorf("collaborator returned fact without title"))
	}
	return fact, nil
}

// --- ideas.Source ---

type ideasRequest struct {
	Channel string   `json:"channel"`
	Count   int      `json:"count"`
	Avoid   []string `json:"avoid,omitempty"`
}

type ideasResponse struct {
	Ideas []ideas.Candidate `json:"ideas"`
}

func (c *Client) GenerateIdeas(ctx context.Context, channel string, n int, avoid []string) ([]ideas.Candidate, error) {
	var resp ideasResponse
	if err := c.post(ctx, "/ideas", ideasRequest{Channel: channel, Count: n, Avoid: avoid}, &resp); err != nil {
		return nil, err
	}
	return resp.Ideas, nil
}

// --- pipeline.ImageFinder ---

type imageRequest struct {
	Keywords []string `json:"keywords"`
}

type refResponse struct {
	Ref string `json:"ref"`
}

func (c *Client) FindImage(ctx context.Context, keywords []string) (string, error) {
	var resp refResponse
	if err := c.post(ctx, "/image", imageRequest{Keywords: keywords}, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// --- pipeline.CardBuilder ---

type cardRequest struct {
	Channel  string        `json:"channel"`
	Fact     pipeline.Fact `json:"fact"`
	ImageRef string        `json:"image_ref,omitempty"`
}

func (c *Client) BuildCard(ctx context.Context, channel string, fact pipeline.Fact, imageRef string) (string, error) {
	var resp refResponse
	if err := c.post(ctx, "/card", cardRequest{Channel: channel, Fact: fact, ImageRef: imageRef}, &resp); err != nil {
		return "", err
	}
	if resp.Ref == "" {
		return "", stage.Fatal(fmt.Errorf("collaborator returned empty card ref"))
	}
	return resp.Ref, nil
}

// --- pipeline.VideoAssembler ---

type videoRequest struct {
	Channel string `json:"channel"`
	CardRef string `json:"card_ref"`
}

func (c *Client) AssembleVideo(ctx context.Context, channel, cardRef string) (string, error) {
	var resp refResponse
	if err := c.post(ctx, "/video", videoRequest{Channel: channel, CardRef: cardRef}, &resp); err != nil {
		return "", err
	}
	if resp.Ref == "" {
		return "", stage.Fatal(fmt.Errorf("collaborator returned empty video ref"))
	}
	return resp.Ref, nil
}

// --- pipeline.Publisher ---

type publishRequest struct {
	Channel  string        `json:"channel"`
	VideoRef string        `json:"video_ref"`
	Fact     pipeline.Fact `json:"fact"`
}

type publishResponse struct {
	PlatformID string `json:"platform_id"`
}

func (c *Client) Publish(ctx context.Context, channel, videoRef string, fact pipeline.Fact) (string, error) {
	var resp publishResponse
	if err := c.post(ctx, "/publish", publishRequest{Channel: channel, VideoRef: videoRef, Fact: fact}, &resp); err != nil {
		return "", err
	}
	if resp.PlatformID == "" {
		return "", stage.Fatal(fmt.Errorf("collaborator returned empty platform id"))
	}
	return resp.PlatformID, nil
}
