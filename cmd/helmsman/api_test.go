package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTestConfig points HELMSMAN_HOME at a temp dir with the given
// config.yaml contents and returns the home dir.
func writeTestConfig(t *testing.T, yaml string) string {
	t.Helper()
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HELMSMAN_HOME", home)
	t.Setenv("HELMSMAN_BIND_ADDR", "")
	os.Unsetenv("HELMSMAN_BIND_ADDR")
	t.Setenv("HELMSMAN_AUTH_TOKEN", "")
	os.Unsetenv("HELMSMAN_AUTH_TOKEN")
	return home
}

func TestNewAPIClientResolvesAddrAndToken(t *testing.T) {
	writeTestConfig(t, "bind_addr: 127.0.0.1:9999\nauth_token: sekrit\n")

	client, err := newAPIClient()
	if err != nil {
		t.Fatal(err)
	}
	if client.baseURL != "http://127.0.0.1:9999" {
		t.Fatalf("unexpected base URL %q", client.baseURL)
	}
	if client.token != "sekrit" {
		t.Fatalf("unexpected token %q", client.token)
	}
	if got := client.wsURL(); got != "ws://127.0.0.1:9999/ws?auth_token=sekrit" {
		t.Fatalf("unexpected ws URL %q", got)
	}
}

func TestNewAPIClientReadsPersistedToken(t *testing.T) {
	home := writeTestConfig(t, "bind_addr: 127.0.0.1:9999\n")
	if err := os.WriteFile(filepath.Join(home, "auth.token"), []byte("persisted\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	client, err := newAPIClient()
	if err != nil {
		t.Fatal(err)
	}
	if client.token != "persisted" {
		t.Fatalf("unexpected token %q", client.token)
	}
}

func TestAPIClientDoDecodesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": "unauthorized"}`))
			return
		}
		switch r.URL.Path {
		case "/api/tasks":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": "task-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error": "task not found"}`))
		}
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "sekrit", http: srv.Client()}

	var resp struct {
		ID string `json:"id"`
	}
	if err := client.do(context.Background(), "POST", "/api/tasks", map[string]string{"description": "x"}, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "task-1" {
		t.Fatalf("unexpected id %q", resp.ID)
	}

	err := client.do(context.Background(), "GET", "/api/tasks/nope", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "task not found") {
		t.Fatalf("expected gateway error message, got %v", err)
	}

	client.token = "wrong"
	err = client.do(context.Background(), "GET", "/api/tasks/any", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}
