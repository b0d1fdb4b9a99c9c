package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/crewline/helmsman/internal/config"
)

// apiClient talks to a running daemon's gateway from CLI subcommands.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAPIClient resolves the daemon address and auth token from config,
// falling back to the persisted auth.token file.
func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	baseURL := ""
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		baseURL = strings.TrimRight(addr, "/")
	} else {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort(host, port)
		}
		baseURL = "http://" + addr
	}

	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		if b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "auth.token")); err == nil {
			token = strings.TrimSpace(string(b))
		}
	}

	return &apiClient{baseURL: baseURL, token: token, http: http.DefaultClient}, nil
}

// do issues a JSON request. A non-2xx response is returned as an error
// carrying the gateway's error message when one is present.
func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// wsURL converts the base URL into the WebSocket endpoint, carrying the
// token as a query parameter since dial headers are not always possible.
func (c *apiClient) wsURL() string {
	u := strings.Replace(c.baseURL, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	u += "/ws"
	if c.token != "" {
		u += "?auth_token=" + c.token
	}
	return u
}
