// Package sandbox manages the shared Docker container that executes
// tool commands. One long-lived container serves every user; isolation
// between tenants is per-user workspace directories plus path policy,
// not per-user containers. The container has no network, drops all
// capabilities, and runs as an unprivileged user.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/nevindra/agentd"
)

// State is the sandbox lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateReady         State = "ready"
	StateDegraded      State = "degraded"
	StateStopped       State = "stopped"
)

// dockerAPI is the slice of the Docker client the sandbox uses.
// *client.Client satisfies it; tests substitute a fake.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	Close() error
}

// Config controls the shared container.
type Config struct {
	// Image is the tool image the container runs.
	Image string
	// ContainerName identifies the shared container so restarts of the
	// server re-attach instead of spawning duplicates.
	ContainerName string
	// VolumeName is the named volume mounted at Root.
	VolumeName string
	// Root is the in-container workspace mount point.
	Root string
	// User is the uid:gid commands run as.
	User string
	// Network is the docker network mode ("none" unless overridden).
	Network string
	// CPULimit is the CPU share in cores (e.g. 1.5).
	CPULimit float64
	// MemoryLimit is a human size ("2g", "512m").
	MemoryLimit string
	// DefaultTimeout bounds a command when the caller passes none.
	DefaultTimeout time.Duration
	// MaxTimeout caps caller-supplied timeouts.
	MaxTimeout time.Duration
	// MaxOutputBytes caps captured stdout and stderr, each.
	MaxOutputBytes int
	// ToolsSource is the in-image directory copied into each user's
	// .tools on first use. Empty disables provisioning.
	ToolsSource string
}

func (c *Config) applyDefaults() {
	if c.ContainerName == "" {
		c.ContainerName = "agentd-sandbox"
	}
	if c.VolumeName == "" {
		c.VolumeName = "agentd-workspace"
	}
	if c.Root == "" {
		c.Root = "/workspace"
	}
	if c.User == "" {
		c.User = "1000:1000"
	}
	if c.Network == "" {
		c.Network = "none"
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 300 * time.Second
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 128 * 1024
	}
}

// Sandbox is the shared execution container. Safe for concurrent use;
// execs from different users run in parallel inside one container.
type Sandbox struct {
	cfg    Config
	docker dockerAPI
	logger *slog.Logger
	tracer agentd.Tracer

	mu          sync.Mutex
	state       State
	containerID string

	// provisionMu guards the two maps only; the actual provisioning exec
	// runs under the per-user lock so tenants never block each other.
	provisionMu    sync.Mutex
	provisioned    map[string]bool
	provisionLocks map[string]*sync.Mutex
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// WithTracer sets the tracer for exec spans.
func WithTracer(t agentd.Tracer) Option {
	return func(s *Sandbox) { s.tracer = t }
}

// withDocker substitutes the Docker client. Tests only.
func withDocker(d dockerAPI) Option {
	return func(s *Sandbox) { s.docker = d }
}

// New creates a sandbox handle. The container is not touched until the
// first operation; Ensure or any exec lazily starts it.
func New(cfg Config, opts ...Option) (*Sandbox, error) {
	cfg.applyDefaults()
	if cfg.Image == "" {
		return nil, agentd.Errf(agentd.KindSandboxUnavailable, "sandbox image not configured")
	}
	s := &Sandbox{
		cfg:            cfg,
		state:          StateUninitialized,
		provisioned:    make(map[string]bool),
		provisionLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(discardHandler{})
	}
	if s.docker == nil {
		d, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, agentd.E(agentd.KindSandboxUnavailable, "docker client init failed", err)
		}
		s.docker = d
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ensure brings the shared container to ready: reuse a running one,
// restart a stopped one, or create it. Idempotent and cheap once ready.
func (s *Sandbox) Ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(ctx)
}

func (s *Sandbox) ensureLocked(ctx context.Context) error {
	switch s.state {
	case StateReady:
		return nil
	case StateStopped:
		return agentd.Errf(agentd.KindSandboxUnavailable, "sandbox is shut down")
	}
	s.state = StateStarting

	info, err := s.docker.ContainerInspect(ctx, s.cfg.ContainerName)
	switch {
	case err == nil && info.State != nil && info.State.Running:
		s.containerID = info.ID
	case err == nil:
		// Exists but not running (host reboot, manual stop).
		if startErr := s.docker.ContainerStart(ctx, info.ID, container.StartOptions{}); startErr != nil {
			s.state = StateDegraded
			return agentd.E(agentd.KindSandboxUnavailable, "container restart failed", startErr)
		}
		s.containerID = info.ID
	default:
		id, createErr := s.create(ctx)
		if createErr != nil {
			s.state = StateDegraded
			return createErr
		}
		s.containerID = id
	}

	s.state = StateReady
	s.logger.Info("sandbox ready", "container", s.cfg.ContainerName, "image", s.cfg.Image)
	return nil
}

// create builds the shared container from scratch.
func (s *Sandbox) create(ctx context.Context) (string, error) {
	if _, err := s.docker.VolumeCreate(ctx, volume.CreateOptions{Name: s.cfg.VolumeName}); err != nil {
		return "", agentd.E(agentd.KindSandboxUnavailable, "workspace volume create failed", err)
	}

	var memBytes int64
	if s.cfg.MemoryLimit != "" {
		b, err := units.RAMInBytes(s.cfg.MemoryLimit)
		if err != nil {
			return "", agentd.Errf(agentd.KindSandboxUnavailable, "invalid memory limit %q", s.cfg.MemoryLimit)
		}
		memBytes = b
	}

	created, err := s.docker.ContainerCreate(ctx,
		&container.Config{
			Image:      s.cfg.Image,
			User:       s.cfg.User,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: s.cfg.Root,
			Env:        []string{"HOME=" + s.cfg.Root},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(s.cfg.Network),
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			RestartPolicy: container.RestartPolicy{
				Name: container.RestartPolicyUnlessStopped,
			},
			Mounts: []mount.Mount{{
				Type:   mount.TypeVolume,
				Source: s.cfg.VolumeName,
				Target: s.cfg.Root,
			}},
			Resources: container.Resources{
				NanoCPUs: int64(s.cfg.CPULimit * 1e9),
				Memory:   memBytes,
			},
		},
		nil, nil, s.cfg.ContainerName)
	if err != nil {
		return "", agentd.E(agentd.KindSandboxUnavailable, "container create failed", err)
	}
	if err := s.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", agentd.E(agentd.KindSandboxUnavailable, "container start failed", err)
	}
	return created.ID, nil
}

// degrade flags the container as unhealthy so the next operation
// re-runs Ensure instead of failing the same way again.
func (s *Sandbox) degrade(err error) {
	s.mu.Lock()
	if s.state == StateReady {
		s.state = StateDegraded
	}
	s.mu.Unlock()
	s.logger.Warn("sandbox degraded", "error", err)
}

// Close stops the shared container and releases the client. The
// workspace volume is left in place; user files survive restarts.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	id := s.containerID
	s.state = StateStopped
	s.mu.Unlock()

	var stopErr error
	if id != "" {
		timeout := 10
		stopErr = s.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	}
	if err := s.docker.Close(); err != nil && stopErr == nil {
		stopErr = err
	}
	return stopErr
}

// ExecResult is the outcome of a command execution.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
}

// Combined merges stdout and stderr for model consumption, with a
// non-zero exit code appended the way a shell user would see it.
func (r ExecResult) Combined() string {
	var b strings.Builder
	b.WriteString(r.Stdout)
	if r.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(r.Stderr)
	}
	if r.Truncated {
		b.WriteString("\n[output truncated]")
	}
	if r.TimedOut {
		b.WriteString("\n[command timed out]")
	} else if r.ExitCode != 0 {
		fmt.Fprintf(&b, "\n[exit code %d]", r.ExitCode)
	}
	return b.String()
}

// timeoutExitCode is what GNU timeout(1) reports when it kills the command.
const timeoutExitCode = 124

// Exec runs a shell command in the user's workspace directory. The
// command is wrapped with timeout(1) inside the container and guarded
// by a context deadline outside it, so a wedged command can never hold
// the exec slot forever. Output is capped, UTF-8 sanitized, and has
// absolute workspace paths rewritten to ".".
func (s *Sandbox) Exec(ctx context.Context, userID, command string, timeout time.Duration) (ExecResult, error) {
	if err := validateUserID(userID); err != nil {
		return ExecResult{}, err
	}
	if err := s.Ensure(ctx); err != nil {
		return ExecResult{}, err
	}
	if err := s.provision(ctx, userID); err != nil {
		return ExecResult{}, err
	}

	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout > s.cfg.MaxTimeout {
		timeout = s.cfg.MaxTimeout
	}

	var span agentd.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.exec",
			agentd.StringAttr("user", userID),
			agentd.IntAttr("timeout_s", int(timeout.Seconds())))
		defer span.End()
	}

	workdir := s.userRoot(userID)
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	wrapped := []string{"timeout", "-k", "5", fmt.Sprintf("%d", secs), "bash", "-c", command}

	res, err := s.exec(ctx, workdir, wrapped, timeout)
	if err != nil && agentd.IsKind(err, agentd.KindSandboxUnavailable) {
		// Container died under us (daemon restart, OOM kill). Re-ensure
		// once and retry; a second failure fails the tool call.
		s.degrade(err)
		if ensureErr := s.Ensure(ctx); ensureErr == nil {
			s.logger.Warn("exec retry after sandbox recovery", "user", userID)
			res, err = s.exec(ctx, workdir, wrapped, timeout)
		}
	}
	if err != nil {
		s.degrade(err)
		return ExecResult{}, err
	}

	res.Stdout = s.sanitizeOutput(res.Stdout, userID)
	res.Stderr = s.sanitizeOutput(res.Stderr, userID)
	if res.ExitCode == timeoutExitCode {
		res.TimedOut = true
		res.ExitCode = -1
	}
	if span != nil {
		span.SetAttr(agentd.IntAttr("exit_code", res.ExitCode), agentd.BoolAttr("timed_out", res.TimedOut))
	}
	s.logger.Debug("exec finished", "user", userID, "exit_code", res.ExitCode, "timed_out", res.TimedOut)
	return res, nil
}

// exec runs a raw argv inside the container and captures output.
func (s *Sandbox) exec(ctx context.Context, workdir string, cmd []string, timeout time.Duration) (ExecResult, error) {
	// Watchdog: in-container timeout(1) plus grace for attach teardown.
	ctx, cancel := context.WithTimeout(ctx, timeout+15*time.Second)
	defer cancel()

	s.mu.Lock()
	id := s.containerID
	s.mu.Unlock()

	created, err := s.docker.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		User:         s.cfg.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, agentd.E(agentd.KindSandboxUnavailable, "exec create failed", err)
	}

	attach, err := s.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, agentd.E(agentd.KindSandboxUnavailable, "exec attach failed", err)
	}
	defer attach.Close()

	stdout := &limitedWriter{limit: s.cfg.MaxOutputBytes}
	stderr := &limitedWriter{limit: s.cfg.MaxOutputBytes}
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- copyErr
	}()
	select {
	case <-ctx.Done():
		return ExecResult{}, agentd.E(agentd.KindTimeout, "exec did not complete", ctx.Err())
	case copyErr := <-copyDone:
		if copyErr != nil && ctx.Err() == nil {
			return ExecResult{}, agentd.E(agentd.KindSandboxUnavailable, "exec output read failed", copyErr)
		}
	}

	inspect, err := s.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, agentd.E(agentd.KindSandboxUnavailable, "exec inspect failed", err)
	}

	return ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  inspect.ExitCode,
		Truncated: stdout.truncated || stderr.truncated,
	}, nil
}

// provision creates the user's workspace directory and copies the tool
// assets on first use. Per-process memo; re-running the mkdir/cp on a
// restart is harmless because both are idempotent. The lock is per
// user, so one tenant's first-use setup never stalls another's execs.
func (s *Sandbox) provision(ctx context.Context, userID string) error {
	s.provisionMu.Lock()
	if s.provisioned[userID] {
		s.provisionMu.Unlock()
		return nil
	}
	lock, ok := s.provisionLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.provisionLocks[userID] = lock
	}
	s.provisionMu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Recheck: a concurrent call may have finished while we waited.
	s.provisionMu.Lock()
	done := s.provisioned[userID]
	s.provisionMu.Unlock()
	if done {
		return nil
	}

	root := s.userRoot(userID)
	script := fmt.Sprintf("mkdir -p %s", root)
	if s.cfg.ToolsSource != "" {
		script += fmt.Sprintf(" && { cp -r %s/. %s/.tools 2>/dev/null || true; }", s.cfg.ToolsSource, root)
	}
	res, err := s.exec(ctx, s.cfg.Root, []string{"bash", "-c", script}, 30*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return agentd.Errf(agentd.KindSandboxUnavailable, "workspace provisioning failed: %s", res.Stderr)
	}

	s.provisionMu.Lock()
	s.provisioned[userID] = true
	s.provisionMu.Unlock()
	s.logger.Info("workspace provisioned", "user", userID)
	return nil
}

// limitedWriter captures up to limit bytes and discards the rest.
type limitedWriter struct {
	buf       strings.Builder
	limit     int
	truncated bool
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < w.limit {
		remaining := w.limit - w.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
			w.truncated = true
		}
		w.buf.Write(p)
	} else if len(p) > 0 {
		w.truncated = true
	}
	return len(p), nil
}

func (w *limitedWriter) String() string { return w.buf.String() }

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
