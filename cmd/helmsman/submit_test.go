package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRunSubmitCommandRequiresDescription(t *testing.T) {
	if code := runSubmitCommand(context.Background(), nil); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if code := runSubmitCommand(context.Background(), []string{"-plan"}); code != 2 {
		t.Fatalf("expected exit 2 for flags without description, got %d", code)
	}
}

func TestRunSubmitCommandPostsTask(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/tasks" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "task-42"}`))
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	writeTestConfig(t, "bind_addr: "+addr+"\nauth_token: sekrit\n")

	code := runSubmitCommand(context.Background(), []string{
		"-template", "desktop:latest",
		"-plan",
		"-attach", "/data/report.pdf, /data/notes.txt",
		"book", "a", "table",
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	if got["description"] != "book a table" {
		t.Fatalf("unexpected description %v", got["description"])
	}
	if got["template"] != "desktop:latest" {
		t.Fatalf("unexpected template %v", got["template"])
	}
	if got["plan_required"] != true {
		t.Fatalf("expected plan_required, got %v", got["plan_required"])
	}
	attachments, _ := got["attachments"].([]any)
	if len(attachments) != 2 || attachments[0] != "/data/report.pdf" {
		t.Fatalf("unexpected attachments %v", got["attachments"])
	}
}

func TestRunSubmitCommandSurfacesGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "submit failed"}`))
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	writeTestConfig(t, "bind_addr: "+addr+"\n")

	if code := runSubmitCommand(context.Background(), []string{"do", "something"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
}
