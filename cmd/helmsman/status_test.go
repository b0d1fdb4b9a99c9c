package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRunStatusCommandHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"healthy": true, "active_sessions": 0}`))
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	writeTestConfig(t, "bind_addr: "+addr+"\n")

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
}

func TestRunStatusCommandUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy": false}`))
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	writeTestConfig(t, "bind_addr: "+addr+"\n")

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
}

func TestRunStatusCommandRejectsArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}
