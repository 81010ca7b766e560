package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestSubmitPostsJob(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /jobs": `{"id":"job-123","status":"accepted"}`,
	})

	client := ts.client()

	resp, err := client.post(ctx, "/jobs", map[string]any{
		"channel": "science",
		"text":    "honey never spoils",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["id"] != "job-123" {
		t.Errorf("id = %q, want job-123", result["id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["channel"] != "science" {
		t.Errorf("body.channel = %v, want science", body["channel"])
	}
}

func TestSubmitCommand_MissingChannel(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"submit", "--text", "a fact"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing channel")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestDecideCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /decisions": `{"outcome":"applied"}`,
	})

	old := newAPIClient
	defer func() { newAPIClient = old }()
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }

	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs([]string{"decide", "req-1", "approve", "--actor", "alice"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("decide command failed: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["request_id"] != "req-1" || body["choice"] != "approve" || body["actor"] != "alice" {
		t.Errorf("body = %v", body)
	}
}

func TestTriggersAddCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /triggers": `{"id":"trig-1","channel":"science","schedule":"09:00"}`,
	})

	old := newAPIClient
	defer func() { newAPIClient = old }()
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }

	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs([]string{"triggers", "add", "--channel", "science", "--schedule", "09:00", "--count", "5"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("triggers add failed: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["schedule"] != "09:00" || body["idea_count"] != float64(5) {
		t.Errorf("body = %v", body)
	}
}

func TestDecodeJSONErrorBody(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/jobs/missing")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention 404", err.Error())
	}
}

func TestColorizeRespectsNoColor(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorGreen, "hi"); strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorGreen, "hi"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
