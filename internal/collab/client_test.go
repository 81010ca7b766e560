package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/factreel/internal/pipeline"
	"github.com/kalambet/factreel/internal/stage"
)

func TestExtractFacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/facts" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req factRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Text != "raw page text" || req.ChannelDescription != "science facts" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(pipeline.Fact{
			Title:    "Honey never spoils",
			Body:     "Sealed honey stays edible for millennia.",
			Keywords: []string{"honey", "jar"},
		})
	}))
	defer srv.Close()

	fact, err := New(srv.URL).ExtractFacts(context.Background(), "raw page text", "science facts")
	if err != nil {
		t.Fatalf("ExtractFacts: %v", err)
	}
	if fact.Title != "Honey never spoils" || len(fact.Keywords) != 2 {
		t.Errorf("fact = %+v", fact)
	}
}

func TestExtractFactsMissingTitleIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pipeline.Fact{Body: "no title"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).ExtractFacts(context.Background(), "text", "")
	var fe *stage.FatalError
	if !errors.As(err, &fe) {
		t.Errorf("expected FatalError, got %v", err)
	}
}

func TestGenerateIdeasSendsAvoidList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ideasRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Channel != "demo" || req.Count != 2 || len(req.Avoid) != 1 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ideas": []map[string]string{
				{"title": "Octopus hearts", "body": "Octopuses have three hearts."},
				{"title": "Banana berries", "body": "Bananas are berries."},
			},
		})
	}))
	defer srv.Close()

	got, err := New(srv.URL).GenerateIdeas(context.Background(), "demo", 2, []string{"honey never spoils"})
	if err != nil {
		t.Fatalf("GenerateIdeas: %v", err)
	}
	if len(got) != 2 || got[0].Title != "Octopus hearts" {
		t.Errorf("ideas = %+v", got)
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL).FindImage(context.Background(), []string{"honey"})
	var re *stage.RetryableError
	if !errors.As(err, &re) {
		t.Errorf("expected RetryableError for 503, got %v", err)
	}
}

func TestRateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(srv.URL).AssembleVideo(context.Background(), "demo", "card-1")
	var re *stage.RetryableError
	if !errors.As(err, &re) {
		t.Errorf("expected RetryableError for 429, got %v", err)
	}
}

func TestClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown channel", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(srv.URL).BuildCard(context.Background(), "nope", pipeline.Fact{Title: "t"}, "")
	var fe *stage.FatalError
	if !errors.As(err, &fe) {
		t.Errorf("expected FatalError for 400, got %v", err)
	}
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := New(srv.URL).Publish(context.Background(), "demo", "video-1", pipeline.Fact{Title: "t"})
	var re *stage.RetryableError
	if !errors.As(err, &re) {
		t.Errorf("expected RetryableError for refused connection, got %v", err)
	}
}

func TestPublishReturnsPlatformID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.VideoRef != "video-1" {
			t.Errorf("video_ref = %q", req.VideoRef)
		}
		json.NewEncoder(w).Encode(publishResponse{PlatformID: "yt-abc123"})
	}))
	defer srv.Close()

	id, err := New(srv.URL).Publish(context.Background(), "demo", "video-1", pipeline.Fact{Title: "t"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "yt-abc123" {
		t.Errorf("platform id = %q", id)
	}
}
