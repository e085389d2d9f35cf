package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/shadowrealm/orchestrator/internal/executor"
	"github.com/shadowrealm/orchestrator/internal/orcherr"
	"github.com/shadowrealm/orchestrator/internal/sidecar"
)

// sandboxPort is the sidecar HTTP port exposed by the sandbox image,
// matching spec §6's fixed sidecar port convention.
const sandboxPort = "8080/tcp"

// remoteSession tracks one task's provisioned sandbox container.
type remoteSession struct {
	containerID string
	baseURL     string
	executor    *executor.Remote
}

// Remote provisions a sandbox container standing in for the spec's "pod",
// per SPEC_FULL.md §4.2: the teacher has no k8s client in its dependency
// surface, so a Docker container reached over the sidecar's HTTP contract
// is the faithful, pack-grounded substitute (docker/docker + go-connections
// from nevindra-oasis).
type Remote struct {
	cli       *client.Client
	image     string
	namespace string

	mu       sync.Mutex
	sessions map[string]*remoteSession
}

// NewRemote connects to the local Docker daemon (DOCKER_HOST / default
// socket) and returns a Manager that runs sandboxes from image.
func NewRemote(image, namespace string) (*Remote, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	return &Remote{cli: cli, image: image, namespace: namespace, sessions: make(map[string]*remoteSession)}, nil
}

func (m *Remote) IsRemote() bool { return true }

// PrepareWorkspace starts a sandbox container whose startup script
// performs the clone, per spec §4.2's remote contract, then waits for the
// sidecar to report healthy.
func (m *Remote) PrepareWorkspace(ctx context.Context, cfg Config) (Result, error) {
	podName := "shadow-vm-" + sidecar.SanitizeTaskID(cfg.ID)

	exposed, bindings, err := nat.ParsePortSpecs([]string{sandboxPort})
	if err != nil {
		return Result{}, fmt.Errorf("parse port spec: %w", err)
	}

	env := []string{
		"REPO_URL=" + cfg.RepoURL,
		"BASE_BRANCH=" + cfg.BaseBranch,
		"SHADOW_BRANCH=" + cfg.ShadowBranch,
		"TASK_ID=" + cfg.ID,
	}

	resp, err := m.cli.ContainerCreate(ctx, &container.Config{
		Image:        m.image,
		Env:          env,
		ExposedPorts: exposed,
		Labels: map[string]string{
			"orchestrator.task-id":   cfg.ID,
			"orchestrator.namespace": m.namespace,
		},
	}, &container.HostConfig{
		PortBindings: bindings,
		AutoRemove:   false,
	}, &network.NetworkingConfig{}, nil, podName)
	if err != nil {
		return Result{}, fmt.Errorf("create sandbox container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start sandbox container: %w", err)
	}

	inspect, err := m.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return Result{}, fmt.Errorf("inspect sandbox container: %w", err)
	}
	hostPort := hostPortFor(inspect, sandboxPort)
	baseURL := fmt.Sprintf("http://127.0.0.1:%s", hostPort)

	path := "/workspace"
	exec := executor.NewRemote(cfg.ID, path, baseURL)

	// WAIT_VM_READY: bounded ≤ 5 * 2s per spec §4.3, mirroring
	// dockerimg/local_sshimmer.go's SSH-readiness poll.
	if err := sidecar.WaitReady(ctx, exec, 5, 2*time.Second); err != nil {
		return Result{}, orcherr.Wrap(orcherr.ErrUnhealthy, "sandbox never became ready: %v", err)
	}

	m.mu.Lock()
	m.sessions[cfg.ID] = &remoteSession{containerID: resp.ID, baseURL: baseURL, executor: exec}
	m.mu.Unlock()

	return Result{WorkspacePath: path, PodName: podName, PodNamespace: m.namespace}, nil
}

func hostPortFor(inspect container.InspectResponse, port string) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(port)]
	if len(bindings) == 0 {
		return ""
	}
	return bindings[0].HostPort
}

func (m *Remote) GetExecutor(taskID string) (executor.Executor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[taskID]
	if !ok {
		return nil, false
	}
	return s.executor, true
}

// GetWorkspaceStatus probes liveness the way spec §4.2 requires for
// remote workspaces: can list the workspace root and it is non-empty.
func (m *Remote) GetWorkspaceStatus(ctx context.Context, taskID string) (Status, error) {
	if _, ok := m.GetExecutor(taskID); !ok {
		return Status{Exists: false, Remote: true}, nil
	}
	err := m.HealthCheck(ctx, taskID)
	return Status{Exists: true, Healthy: err == nil, Remote: true}, nil
}

func (m *Remote) HealthCheck(ctx context.Context, taskID string) error {
	e, ok := m.GetExecutor(taskID)
	if !ok {
		return orcherr.Wrap(orcherr.ErrUnhealthy, "no session for task %s", taskID)
	}
	remote, ok := e.(*executor.Remote)
	if !ok {
		return orcherr.Wrap(orcherr.ErrUnhealthy, "executor is not remote")
	}
	entries, err := remote.ListDirectory(ctx, ".")
	if err != nil {
		return orcherr.Wrap(orcherr.ErrUnhealthy, "list workspace root: %v", err)
	}
	if len(entries) == 0 {
		return orcherr.Wrap(orcherr.ErrUnhealthy, "workspace root is empty")
	}
	return nil
}

// CleanupWorkspace tears down the sandbox container. Idempotent per spec
// §8 invariant 8: a second call for a task with no session is a no-op.
func (m *Remote) CleanupWorkspace(ctx context.Context, taskID string) error {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	delete(m.sessions, taskID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	timeout := 5
	if err := m.cli.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Best effort: still attempt removal even if the graceful stop failed.
	}
	return m.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true})
}
