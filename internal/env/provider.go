// Package env defines the execution-environment provider consumed by the
// scheduler and the agent loop, plus a Docker-backed implementation.
// An environment is an isolated, ephemeral runtime the agent drives through
// screenshots and guest commands.
package env

import (
	"context"
	"time"
)

// CommandResult is the outcome of a guest command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Screenshot is a captured image of the environment's display.
type Screenshot struct {
	Data   []byte
	Width  int
	Height int
}

// Provider provisions and drives execution environments.
type Provider interface {
	// Create builds a new environment from the named template and returns
	// its ID. The environment is not started yet.
	Create(ctx context.Context, templateID, name string) (string, error)

	Start(ctx context.Context, envID string) error
	Stop(ctx context.Context, envID string) error
	Delete(ctx context.Context, envID string) error

	// WaitReady blocks until the environment accepts guest commands or the
	// timeout elapses.
	WaitReady(ctx context.Context, envID string, timeout time.Duration) error

	// Exists reports whether the environment is still known to the backend.
	// This checks presence, not liveness; a stopped environment still exists.
	Exists(ctx context.Context, envID string) (bool, error)

	// RunCommand executes a command inside the guest. A non-zero exit code
	// is reported in the result, not as an error.
	RunCommand(ctx context.Context, envID, cmd string, timeout time.Duration) (CommandResult, error)

	// CaptureScreenshot grabs the guest display as an encoded PNG.
	CaptureScreenshot(ctx context.Context, envID string) (Screenshot, error)

	// PushFile copies a host file into the environment's inbox.
	PushFile(ctx context.Context, envID, localPath, remoteName string) error

	// PullFile copies a file from the environment's outbox to the host.
	PullFile(ctx context.Context, envID, remoteName, localPath string) error
}
