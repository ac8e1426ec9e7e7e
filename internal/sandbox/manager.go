// Package sandbox implements the per-user isolated container manager of
// SPEC_FULL.md §4.1: a deterministic-name Docker container per user, created
// lazily on first tool use and persisting across tasks until explicit
// recreate or session teardown. Adapted from
// _examples/everydev1618-govega/container/manager.go's Docker-client
// plumbing, narrowed from govega's one-container-per-project model to one
// container per user and extended with the file-transfer and
// cancellation-aware exec semantics SPEC_FULL.md §4.1 requires.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	containerPrefix  = "oxideagent-"
	networkName      = "oxideagent-net"
	labelManagedBy   = "oxideagent.managed-by"
	labelUser        = "oxideagent.user"
	defaultImage     = "ubuntu:22.04"
	workspaceDir     = "/workspace"
	uploadsDir       = workspaceDir + "/uploads"
	downloadsDir     = workspaceDir + "/downloads"
	maxTransferBytes = 50 * 1024 * 1024 // 50 MiB, per §4.1
	defaultMemLimit  = 1 << 30          // 1 GiB
	defaultCPUQuota  = 200000           // 2.0 cores (100000 = 1 core)
	defaultExecWait  = 60 * time.Second
)

// ErrNotRunning is returned by Exec/file-transfer operations when the
// container does not exist or is not currently running.
var ErrNotRunning = errors.New("sandbox not running")

// ErrInterrupted is returned by Exec when a cancellation signal arrives
// while the command is in flight.
var ErrInterrupted = errors.New("execution interrupted by user")

// Config holds per-container policy, named after spec.md §6's
// sandbox_memory_limit/sandbox_cpu_quota/sandbox_exec_timeout_secs/
// sandbox_image configuration keys.
type Config struct {
	Image           string
	MemoryLimit     int64
	CPUQuota        int64
	ExecTimeout     time.Duration
}

func sanitizeConfig(c Config) Config {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = defaultMemLimit
	}
	if c.CPUQuota <= 0 {
		c.CPUQuota = defaultCPUQuota
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = defaultExecWait
	}
	return c
}

// ExecResult is the outcome of a single command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Manager owns one Docker container per user. Callers obtain a per-user
// handle via ForUser; the Manager itself just holds the shared Docker
// client and default policy.
type Manager struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger
}

// New constructs a Manager. Per spec.md §4.1's failure model, an
// unreachable Docker daemon is a fatal error at construction time.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("sandbox: docker daemon unreachable: %w", err)
	}

	return &Manager{client: cli, cfg: sanitizeConfig(cfg), logger: logger}, nil
}

// ForUser returns a handle scoped to one user's deterministically-named
// container. No Docker call is made until the handle is used.
func (m *Manager) ForUser(userID string) *UserSandbox {
	return &UserSandbox{
		mgr:  m,
		name: containerPrefix + sanitizeUserID(userID),
	}
}

func sanitizeUserID(userID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, userID)
}

func (m *Manager) ensureNetwork(ctx context.Context) error {
	list, err := m.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", networkName)),
	})
	if err != nil {
		return err
	}
	for _, n := range list {
		if n.Name == networkName {
			return nil
		}
	}
	_, err = m.client.NetworkCreate(ctx, networkName, network.CreateOptions{Driver: "bridge"})
	return err
}

func (m *Manager) ensureImage(ctx context.Context, img string) error {
	list, err := m.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", img)),
	})
	if err == nil && len(list) > 0 {
		return nil
	}
	reader, err := m.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (m *Manager) findContainer(ctx context.Context, name string) (string, bool, error) {
	list, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", false, err
	}
	for _, c := range list {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				return c.ID, c.State == "running", nil
			}
		}
	}
	return "", false, nil
}

// UserSandbox is the per-user façade implementing spec.md §4.1's contract:
// create/is_running/exec/write_file/read_file/upload_file/download_file/
// get_uploads_size/cleanup_old_downloads/destroy/recreate.
type UserSandbox struct {
	mgr  *Manager
	name string

	mu          sync.Mutex
	containerID string
}

// Create ensures the container exists and is running, creating it with the
// configured image/limits if absent. The container name is deterministic
// from the user id, so a process restart can reattach via listing.
func (s *UserSandbox) Create(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx)
}

func (s *UserSandbox) createLocked(ctx context.Context) error {
	id, running, err := s.mgr.findContainer(ctx, s.name)
	if err != nil {
		return err
	}
	if id != "" {
		s.containerID = id
		if running {
			return nil
		}
		if err := s.mgr.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return fmt.Errorf("sandbox: restart %s: %w", s.name, err)
		}
		return nil
	}

	if err := s.mgr.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("sandbox: ensure network: %w", err)
	}
	if err := s.mgr.ensureImage(ctx, s.mgr.cfg.Image); err != nil {
		return err
	}

	containerCfg := &container.Config{
		Image:      s.mgr.cfg.Image,
		WorkingDir: workspaceDir,
		Labels: map[string]string{
			labelManagedBy: "oxideagent",
			labelUser:      s.name,
		},
		Cmd:       []string{"tail", "-f", "/dev/null"},
		OpenStdin: true,
		Tty:       true,
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(networkName),
		AutoRemove:     true,
		Resources: container.Resources{
			Memory:   s.mgr.cfg.MemoryLimit,
			NanoCPUs: s.mgr.cfg.CPUQuota * 10000, // CPUQuota is in 1/100000ths of a core
		},
		Mounts: []mount.Mount{},
	}

	resp, err := s.mgr.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, s.name)
	if err != nil {
		return fmt.Errorf("sandbox: create %s: %w", s.name, err)
	}
	if err := s.mgr.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("sandbox: start %s: %w", s.name, err)
	}
	s.containerID = resp.ID

	for _, dir := range []string{uploadsDir, downloadsDir} {
		if _, err := s.execRaw(ctx, []string{"mkdir", "-p", dir}); err != nil {
			s.mgr.logger.Warn("sandbox: failed to precreate directory", "dir", dir, "error", err)
		}
	}
	return nil
}

// IsRunning reports whether the user's container currently exists and is
// running, without creating it.
func (s *UserSandbox) IsRunning(ctx context.Context) (bool, error) {
	_, running, err := s.mgr.findContainer(ctx, s.name)
	return running, err
}

// Exec runs command inside the container under a wall-clock timeout,
// issuing a best-effort kill-all within 2s of cancel firing, per §4.1's
// exec semantics.
func (s *UserSandbox) Exec(ctx context.Context, cmd []string, cancel <-chan struct{}) (*ExecResult, error) {
	running, err := s.ensureAttachedLocked(ctx)
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, ErrNotRunning
	}

	execCtx, stop := context.WithTimeout(ctx, s.mgr.cfg.ExecTimeout)
	defer stop()

	type result struct {
		res *ExecResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := s.execRaw(execCtx, cmd)
		done <- result{res, err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-cancel:
		s.killAll(context.Background())
		<-done
		return nil, ErrInterrupted
	case <-execCtx.Done():
		<-done
		return nil, fmt.Errorf("sandbox: exec timed out after %s", s.mgr.cfg.ExecTimeout)
	}
}

func (s *UserSandbox) killAll(ctx context.Context) {
	killCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _ = s.execRaw(killCtx, []string{"sh", "-c", "killall5 -9 || true"})
}

func (s *UserSandbox) execRaw(ctx context.Context, cmd []string) (*ExecResult, error) {
	execResp, err := s.mgr.client.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workspaceDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec create: %w", err)
	}

	attach, err := s.mgr.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("sandbox: read exec output: %w", err)
	}

	inspect, err := s.mgr.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec inspect: %w", err)
	}

	return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}

func (s *UserSandbox) ensureAttachedLocked(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, running, err := s.mgr.findContainer(ctx, s.name)
	if err != nil {
		return false, err
	}
	s.containerID = id
	return running, nil
}

// WriteFile writes bytes to a path inside the container via a tar upload.
func (s *UserSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	return s.UploadFile(ctx, path, data)
}

// ReadFile reads bytes from a path inside the container, bounded by the
// 50 MiB transfer cap.
func (s *UserSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return s.DownloadFile(ctx, path)
}

// UploadFile wraps data in a tar entry (mode 0644) and pushes it to the
// parent directory of containerPath after an idempotent mkdir -p, per
// §4.1's file-transfer contract.
func (s *UserSandbox) UploadFile(ctx context.Context, containerPath string, data []byte) error {
	if int64(len(data)) > maxTransferBytes {
		return fmt.Errorf("sandbox: upload exceeds %d byte cap", maxTransferBytes)
	}
	running, err := s.ensureAttachedLocked(ctx)
	if err != nil {
		return err
	}
	if !running {
		return ErrNotRunning
	}

	dir := parentDir(containerPath)
	if _, err := s.execRaw(ctx, []string{"mkdir", "-p", dir}); err != nil {
		return fmt.Errorf("sandbox: mkdir -p %s: %w", dir, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: baseName(containerPath),
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return s.mgr.client.CopyToContainer(ctx, s.containerID, dir, &buf, container.CopyToContainerOptions{})
}

// DownloadFile checks existence/size via stat, streams the file as a tar
// archive, and extracts the first entry, bounded by the 50 MiB cap.
func (s *UserSandbox) DownloadFile(ctx context.Context, containerPath string) ([]byte, error) {
	running, err := s.ensureAttachedLocked(ctx)
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, ErrNotRunning
	}

	stat, err := s.mgr.client.ContainerStatPath(ctx, s.containerID, containerPath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: stat %s: %w", containerPath, err)
	}
	if stat.Size > maxTransferBytes {
		return nil, fmt.Errorf("sandbox: %s exceeds %d byte cap", containerPath, maxTransferBytes)
	}

	reader, _, err := s.mgr.client.CopyFromContainer(ctx, s.containerID, containerPath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: copy from container: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("sandbox: read tar entry: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(tr, maxTransferBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxTransferBytes {
		return nil, fmt.Errorf("sandbox: %s exceeds %d byte cap", containerPath, maxTransferBytes)
	}
	return data, nil
}

// GetUploadsSize returns the total size in bytes of files under the
// container's uploads directory.
func (s *UserSandbox) GetUploadsSize(ctx context.Context) (int64, error) {
	res, err := s.Exec(ctx, []string{"sh", "-c", "du -sb " + uploadsDir + " 2>/dev/null | cut -f1"}, nil)
	if err != nil {
		return 0, err
	}
	var size int64
	if _, err := fmt.Sscanf(strings.TrimSpace(res.Stdout), "%d", &size); err != nil {
		return 0, nil
	}
	return size, nil
}

// CleanupOldDownloads removes downloads directory entries older than the
// given age and returns the count removed.
func (s *UserSandbox) CleanupOldDownloads(ctx context.Context, olderThan time.Duration) (int, error) {
	minutes := int(olderThan.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	script := fmt.Sprintf("find %s -type f -mmin +%d -print -delete | wc -l", downloadsDir, minutes)
	res, err := s.Exec(ctx, []string{"sh", "-c", script}, nil)
	if err != nil {
		return 0, err
	}
	var count int
	if _, err := fmt.Sscanf(strings.TrimSpace(res.Stdout), "%d", &count); err != nil {
		return 0, nil
	}
	return count, nil
}

// Destroy stops and removes the user's container. Remove failures are
// logged and swallowed, per §4.1's failure model (auto-remove may have
// already fired).
func (s *UserSandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _, err := s.mgr.findContainer(ctx, s.name)
	if err != nil || id == "" {
		return nil
	}
	timeout := 5
	if err := s.mgr.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		s.mgr.logger.Debug("sandbox: stop during destroy failed", "container", s.name, "error", err)
	}
	if err := s.mgr.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		s.mgr.logger.Debug("sandbox: remove during destroy failed", "container", s.name, "error", err)
	}
	s.containerID = ""
	return nil
}

// Recreate destroys the existing container (if any) and creates a fresh
// one with the same deterministic name.
func (s *UserSandbox) Recreate(ctx context.Context) error {
	if err := s.Destroy(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx)
}

func parentDir(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

func baseName(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}
