package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/factreel/internal/stage"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		text     string
		hasImage bool
		want     string
	}{
		{"https://example.com/article", false, "url"},
		{"http://example.com", false, "url"},
		{"check https://example.com out", false, "text"},
		{"honey never spoils", false, "text"},
		{"a caption", true, "image"},
		{"", true, "image"},
	}
	for _, tt := range tests {
		if got := Detect(tt.text, tt.hasImage); got != tt.want {
			t.Errorf("Detect(%q, %v) = %q, want %q", tt.text, tt.hasImage, got, tt.want)
		}
	}
}

func TestExtractText(t *testing.T) {
	e := New()
	got, err := e.Extract(context.Background(), "text", "octopuses have three hearts", nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "octopuses have three hearts" {
		t.Errorf("got %q", got)
	}
}

func TestExtractEmptyTextIsFatal(t *testing.T) {
	e := New()
	_, err := e.Extract(context.Background(), "text", "   ", nil)
	var fe *stage.FatalError
	if !errors.As(err, &fe) {
		t.Errorf("expected FatalError, got %v", err)
	}
}

func TestExtractImageWithoutCaptionIsFatal(t *testing.T) {
	e := New()
	if _, err := e.Extract(context.Background(), "image", "", []byte{1}); err == nil {
		t.Error("expected error for captionless image")
	}
}

func TestExtractURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Fact Page</title><style>p{}</style></head>
			<body><h1>Honey</h1><p>Honey never spoils.</p><script>ignore()</script></body></html>`))
	}))
	defer srv.Close()

	e := New()
	got, err := e.Extract(context.Background(), "url", srv.URL, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for _, want := range []string{"Fact Page", "Honey", "Honey never spoils."} {
		if !strings.Contains(got, want) {
			t.Errorf("extracted text missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "ignore()") {
		t.Errorf("script content leaked into extraction:\n%s", got)
	}
}

func TestExtractURLServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := New()
	_, err := e.Extract(context.Background(), "url", srv.URL, nil)
	var re *stage.RetryableError
	if !errors.As(err, &re) {
		t.Errorf("expected RetryableError for 502, got %v", err)
	}
}

func TestExtractURLClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := New()
	_, err := e.Extract(context.Background(), "url", srv.URL, nil)
	var fe *stage.FatalError
	if !errors.As(err, &fe) {
		t.Errorf("expected FatalError for 404, got %v", err)
	}
}
