package env

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	screenshotPath  = "/tmp/helmsman-screenshot.png"
	readyPollEvery  = 2 * time.Second
	execPollEvery   = 200 * time.Millisecond
	defaultCmdLimit = 2 * time.Minute
)

// DockerConfig tunes the Docker-backed provider.
type DockerConfig struct {
	MemoryMB          int64  // per-environment memory cap, default 2048
	Network           string // docker network mode, default "bridge"
	ScreenshotCommand string // guest command that writes a PNG to stdout-less path
	InboxDir          string // guest directory files are pushed into
	OutboxDir         string // guest directory files are pulled from
}

// DockerProvider implements Provider on long-lived containers. Each
// environment is one container kept alive by the template's own init
// (desktop templates run a supervisor; the fallback command is a sleep).
type DockerProvider struct {
	client *client.Client
	cfg    DockerConfig
}

// NewDockerProvider creates a provider from the ambient Docker environment.
func NewDockerProvider(cfg DockerConfig) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.Network == "" {
		cfg.Network = "bridge"
	}
	if cfg.ScreenshotCommand == "" {
		cfg.ScreenshotCommand = "scrot -o -z"
	}
	if cfg.InboxDir == "" {
		cfg.InboxDir = "/var/helmsman/inbox"
	}
	if cfg.OutboxDir == "" {
		cfg.OutboxDir = "/var/helmsman/outbox"
	}
	return &DockerProvider{client: cli, cfg: cfg}, nil
}

func (d *DockerProvider) Create(ctx context.Context, templateID, name string) (string, error) {
	if strings.TrimSpace(templateID) == "" {
		return "", fmt.Errorf("empty template id")
	}
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: templateID,
		Cmd:   []string{"sh", "-c", "mkdir -p " + d.cfg.InboxDir + " " + d.cfg.OutboxDir + " && sleep infinity"},
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(d.cfg.Network),
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create environment from %q: %w", templateID, err)
	}
	return resp.ID, nil
}

func (d *DockerProvider) Start(ctx context.Context, envID string) error {
	if err := d.client.ContainerStart(ctx, envID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start environment: %w", err)
	}
	return nil
}

func (d *DockerProvider) Stop(ctx context.Context, envID string) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, envID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop environment: %w", err)
	}
	return nil
}

func (d *DockerProvider) Delete(ctx context.Context, envID string) error {
	err := d.client.ContainerRemove(ctx, envID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	return nil
}

func (d *DockerProvider) Exists(ctx context.Context, envID string) (bool, error) {
	_, err := d.client.ContainerInspect(ctx, envID)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

func (d *DockerProvider) WaitReady(ctx context.Context, envID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		inspect, err := d.client.ContainerInspect(ctx, envID)
		if err == nil && inspect.State != nil && inspect.State.Running {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("environment not ready after %s: %w", timeout, err)
			}
			return fmt.Errorf("environment not ready after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollEvery):
		}
	}
}

func (d *DockerProvider) RunCommand(ctx context.Context, envID, cmd string, timeout time.Duration) (CommandResult, error) {
	if timeout <= 0 {
		timeout = defaultCmdLimit
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execResp, err := d.client.ContainerExecCreate(ctx, envID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return CommandResult{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return CommandResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, cpErr := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
		copyDone <- cpErr
	}()
	select {
	case <-ctx.Done():
		return CommandResult{Stderr: "command timed out", ExitCode: -1}, ctx.Err()
	case cpErr := <-copyDone:
		if cpErr != nil && cpErr != io.EOF {
			return CommandResult{}, fmt.Errorf("exec output: %w", cpErr)
		}
	}

	// The exec may report a PID briefly after output closes; poll until done.
	for {
		inspect, err := d.client.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return CommandResult{}, fmt.Errorf("exec inspect: %w", err)
		}
		if !inspect.Running {
			return CommandResult{
				Stdout:   stdoutBuf.String(),
				Stderr:   stderrBuf.String(),
				ExitCode: inspect.ExitCode,
			}, nil
		}
		select {
		case <-ctx.Done():
			return CommandResult{Stderr: "command timed out", ExitCode: -1}, ctx.Err()
		case <-time.After(execPollEvery):
		}
	}
}

func (d *DockerProvider) CaptureScreenshot(ctx context.Context, envID string) (Screenshot, error) {
	capture := fmt.Sprintf("%s %s", d.cfg.ScreenshotCommand, screenshotPath)
	res, err := d.RunCommand(ctx, envID, capture, 30*time.Second)
	if err != nil {
		return Screenshot{}, fmt.Errorf("capture command: %w", err)
	}
	if res.ExitCode != 0 {
		return Screenshot{}, fmt.Errorf("capture command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	data, err := d.readGuestFile(ctx, envID, screenshotPath)
	if err != nil {
		return Screenshot{}, fmt.Errorf("read screenshot: %w", err)
	}
	shot := Screenshot{Data: data}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		shot.Width = cfg.Width
		shot.Height = cfg.Height
	}
	return shot, nil
}

func (d *DockerProvider) PushFile(ctx context.Context, envID, localPath, remoteName string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local file: %w", err)
	}
	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    remoteName,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar write: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close: %w", err)
	}

	if err := d.client.CopyToContainer(ctx, envID, d.cfg.InboxDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to inbox: %w", err)
	}
	return nil
}

func (d *DockerProvider) PullFile(ctx context.Context, envID, remoteName, localPath string) error {
	data, err := d.readGuestFile(ctx, envID, path.Join(d.cfg.OutboxDir, remoteName))
	if err != nil {
		return fmt.Errorf("read outbox file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create local dir: %w", err)
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return fmt.Errorf("write local file: %w", err)
	}
	return nil
}

// readGuestFile fetches a single file from the container via the tar copy API.
func (d *DockerProvider) readGuestFile(ctx context.Context, envID, guestPath string) ([]byte, error) {
	rc, _, err := d.client.CopyFromContainer(ctx, envID, guestPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%s not found in archive", guestPath)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

// Close releases the underlying Docker client.
func (d *DockerProvider) Close() error {
	return d.client.Close()
}
