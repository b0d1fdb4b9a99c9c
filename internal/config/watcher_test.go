package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherEmitsOnConfigWrite(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte("bind_addr: \"127.0.0.1:0\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(path, []byte("bind_addr: \"127.0.0.1:1\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != path {
			t.Errorf("Path = %q, want %q", ev.Path, path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload event after config write")
	}
}

func TestWatcherClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	w := NewWatcher(t.TempDir(), nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			t.Error("expected channel close, got event")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
