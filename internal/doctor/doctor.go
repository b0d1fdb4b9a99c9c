// Package doctor runs preflight diagnostics: config, API keys, the task
// database, Docker reachability, and provider DNS.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/crewline/helmsman/internal/config"
	"github.com/crewline/helmsman/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkDocker,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(filepath.Join(cfg.HomeDir, "config.yaml")); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "WARN", Message: fmt.Sprintf("No config.yaml in %s (defaults apply)", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.APIKey != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Key configured for %s", provider)}
	}

	envVars := map[string]string{
		"google":    "GEMINI_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}
	envVar, ok := envVars[provider]
	if !ok {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Provider %q takes api_key from config (no standard env var)", provider)}
	}
	if os.Getenv(envVar) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("%s is set", envVar)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  fmt.Sprintf("Set %s or llm.api_key in config.yaml", envVar),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	dbPath := filepath.Join(cfg.HomeDir, "helmsman.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ActiveTasks(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unavailable: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkDocker verifies the engine that provisions execution environments.
func checkDocker(ctx context.Context, _ *config.Config) CheckResult {
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "FAIL",
			Message: "docker binary not found (required for execution environments)",
		}
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "FAIL",
			Message: fmt.Sprintf("docker daemon unreachable (%v)", err),
			Detail:  "Start the Docker daemon or point DOCKER_HOST at a reachable engine",
		}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: "Daemon reachable"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openai_compatible": "api.openai.com",
	}
	host, ok := endpoints[provider]
	if !ok {
		host = "api.anthropic.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}
