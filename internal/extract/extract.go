// Package extract resolves raw submissions into text for fact extraction.
// URL fetching and HTML text extraction are handled here; vision-based
// extraction for images is an external collaborator and not implemented.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/kalambet/factreel/internal/stage"
)

const maxFetchSize = 5 << 20 // 5MB

// Detect classifies a submission by its text and whether an image came with
// it. Returns "url", "image", or "text".
func Detect(text string, hasImage bool) string {
	if hasImage {
		return "image"
	}
	trimmed := strings.TrimSpace(text)
	if u, err := url.Parse(trimmed); err == nil &&
		(u.Scheme == "http" || u.Scheme == "https") && !strings.ContainsAny(trimmed, " \n") {
		return "url"
	}
	return "text"
}

// Extractor implements the pipeline's content extraction contract for text
// and URL inputs.
type Extractor struct {
	client   *http.Client
	maxBytes int64
}

// New creates an Extractor with a 15s fetch timeout.
func New() *Extractor {
	return &Extractor{
		client:   &http.Client{Timeout: 15 * time.Second},
		maxBytes: maxFetchSize,
	}
}

// Extract returns the raw text behind an input. Server errors while fetching
// a URL are retryable; empty or unextractable inputs are fatal.
func (e *Extractor) Extract(ctx context.Context, kind, text string, image []byte) (string, error) {
	switch kind {
	case "url":
		return e.fromURL(ctx, strings.TrimSpace(text))
	case "image":
		if strings.TrimSpace(text) != "" {
			// Caption-only extraction; the image itself needs a vision collaborator.
			return text, nil
		}
		return "", stage.Fatal(fmt.Errorf("image input without caption requires a vision collaborator"))
	default:
		if strings.TrimSpace(text) == "" {
			return "", stage.Fatal(fmt.Errorf("empty text input"))
		}
		return text, nil
	}
}

func (e *Extractor) fromURL(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", stage.Fatal(fmt.Errorf("invalid url: %w", err))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", stage.Retryable(fmt.Errorf("fetching url: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", stage.Retryable(fmt.Errorf("url returned status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return "", stage.Fatal(fmt.Errorf("url returned status %d", resp.StatusCode))
	}

	text, err := htmlText(io.LimitReader(resp.Body, e.maxBytes))
	if err != nil {
		return "", stage.Fatal(fmt.Errorf("parsing page: %w", err))
	}
	if text == "" {
		return "", stage.Fatal(fmt.Errorf("no extractable text at %s", rawURL))
	}
	return text, nil
}

// htmlText collects the page title, headings, paragraphs, and list items.
func htmlText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "title", "h1", "h2", "p", "li":
				if t := nodeText(n); t != "" {
					parts = append(parts, t)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.Join(parts, "\n"), nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(strings.Join(strings.Fields(b.String()), " "))
}
