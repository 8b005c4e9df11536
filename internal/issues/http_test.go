package issues

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPClientListCommentsSince(t *testing.T) {
	since := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/issues/ISSUE-1/comments" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("missing bearer credential: %q", got)
		}
		if got := r.URL.Query().Get("since"); got != since.Format(time.RFC3339) {
			t.Errorf("since not forwarded: %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "25" {
			t.Errorf("limit not forwarded: %q", got)
		}
		_ = json.NewEncoder(w).Encode([]commentDoc{
			{ID: "c-1", Author: "alice", Body: "hi", CreatedAt: since.Add(time.Minute)},
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "tok-1")
	comments, err := client.ListCommentsSince(context.Background(), "ISSUE-1", since, 25)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(comments) != 1 || comments[0].ID != "c-1" || comments[0].IssueID != "ISSUE-1" {
		t.Fatalf("comments not decoded: %+v", comments)
	}
}

func TestHTTPClientCreateComment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/issues/ISSUE-1/comments" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload["body"] == "" {
			t.Errorf("body not posted: %v %v", payload, err)
		}
		_ = json.NewEncoder(w).Encode(commentDoc{ID: "c-9", IssueID: "ISSUE-1", Body: payload["body"], CreatedAt: time.Now()})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	c, err := client.CreateComment(context.Background(), "ISSUE-1", "hello there")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if c.ID != "c-9" || c.Body != "hello there" {
		t.Fatalf("created comment not decoded: %+v", c)
	}
}

func TestHTTPClientSurfacesStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "issue not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	_, err := client.GetIssue(context.Background(), "ISSUE-404")
	if err == nil {
		t.Fatal("status error swallowed")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "issue not found") {
		t.Fatalf("error lacks detail: %v", err)
	}
}
