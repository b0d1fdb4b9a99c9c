package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mattn/go-isatty"

	"github.com/crewline/helmsman/internal/tui"
)

// wsSource adapts the daemon's WebSocket stream to the monitor's
// event source.
type wsSource struct {
	ch chan tui.StreamEvent
}

func (s *wsSource) Events() <-chan tui.StreamEvent { return s.ch }

func runWatchCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: helmsman watch")
		return 2
	}

	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, client.wsURL(), nil)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: dial %s: %v\n", client.wsURL(), err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	source := &wsSource{ch: make(chan tui.StreamEvent, 32)}
	go func() {
		defer close(source.ch)
		for {
			var raw struct {
				Topic   string          `json:"topic"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := wsjson.Read(ctx, conn, &raw); err != nil {
				return
			}
			var payload map[string]any
			_ = json.Unmarshal(raw.Payload, &payload)
			select {
			case source.ch <- tui.StreamEvent{Topic: raw.Topic, Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		// Piped output: stream events as plain lines instead of a TUI.
		for ev := range source.ch {
			taskID, _ := ev.Payload["TaskID"].(string)
			fmt.Printf("%s %s %s\n", time.Now().Format(time.RFC3339), ev.Topic, taskID)
			if ctx.Err() != nil {
				break
			}
		}
		return 0
	}

	if err := tui.RunWatch(ctx, source); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}
