package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/agent/docker"
	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/logger"
)

// Container labels set on every container the docker spawner creates.
const (
	labelManaged   = "anyon.managed"
	labelProcessID = "anyon.execution_process_id"
	labelAttemptID = "anyon.task_attempt_id"
)

// ContainerRuntime is the subset of the docker client the spawner uses.
type ContainerRuntime interface {
	EnsureImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	AttachContainer(ctx context.Context, containerID string) (*docker.Attachment, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerSummary, error)
}

// CredentialSource supplies the agent credentials forwarded into containers,
// which do not inherit the server environment.
type CredentialSource interface {
	Environment() map[string]string
}

// DockerSpawner runs each execution process in its own container with the
// task attempt workspace bind-mounted.
type DockerSpawner struct {
	runtime        ContainerRuntime
	workspaceMount string
	scriptImage    string
	gracePeriod    time.Duration
	credentials    CredentialSource
	logger         *logger.Logger

	// containers owned by live handles, by container ID
	live map[string]string
	mu   sync.Mutex

	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewDockerSpawner creates a spawner backed by a container runtime.
func NewDockerSpawner(runtime ContainerRuntime, dockerCfg config.DockerConfig, execCfg config.ExecutorConfig, log *logger.Logger) *DockerSpawner {
	return &DockerSpawner{
		runtime:         runtime,
		workspaceMount:  dockerCfg.WorkspaceMount,
		scriptImage:     execCfg.ScriptImage,
		gracePeriod:     execCfg.KillGracePeriodDuration(),
		logger:          log.WithComponent("docker-spawner"),
		live:            make(map[string]string),
		cleanupInterval: 30 * time.Second,
		stopCh:          make(chan struct{}),
	}
}

// SetCredentials sets the credentials injected into every container. Request
// env wins over a credential of the same name.
func (s *DockerSpawner) SetCredentials(creds CredentialSource) {
	s.credentials = creds
}

// Start removes containers left over by a previous server instance and
// starts the background cleanup loop.
func (s *DockerSpawner) Start(ctx context.Context) error {
	s.logger.Info("starting docker spawner")
	s.performCleanup(ctx)

	s.wg.Add(1)
	go s.cleanupLoop(ctx)
	return nil
}

// Stop stops the cleanup loop.
func (s *DockerSpawner) Stop() error {
	s.logger.Info("stopping docker spawner")
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

// Spawn creates, attaches and starts a container, then feeds it the prompt.
func (s *DockerSpawner) Spawn(ctx context.Context, req *SpawnRequest) (Handle, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command for execution process %s", req.ExecutionProcessID)
	}
	image := req.Image
	if image == "" {
		image = s.scriptImage
	}
	if err := s.runtime.EnsureImage(ctx, image); err != nil {
		return nil, err
	}

	var mounts []docker.MountConfig
	if req.WorkDir != "" {
		if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace %s: %w", req.WorkDir, err)
		}
		mounts = append(mounts, docker.MountConfig{Source: req.WorkDir, Target: s.workspaceMount})
	}

	containerID, err := s.runtime.CreateContainer(ctx, docker.ContainerConfig{
		Name:       "anyon-" + req.ExecutionProcessID,
		Image:      image,
		Cmd:        req.Command,
		Env:        buildEnvSlice(nil, s.containerEnv(req.Env)),
		WorkingDir: s.workspaceMount,
		Mounts:     mounts,
		Labels: map[string]string{
			labelManaged:   "true",
			labelProcessID: req.ExecutionProcessID,
			labelAttemptID: req.TaskAttemptID,
		},
		OpenStdin: true,
	})
	if err != nil {
		return nil, err
	}

	// Attach before start so no output is lost.
	attachment, err := s.runtime.AttachContainer(ctx, containerID)
	if err != nil {
		_ = s.runtime.RemoveContainer(context.Background(), containerID, true)
		return nil, err
	}
	if err := s.runtime.StartContainer(ctx, containerID); err != nil {
		_ = attachment.Close()
		_ = s.runtime.RemoveContainer(context.Background(), containerID, true)
		return nil, err
	}

	log := s.logger.WithProcessID(req.ExecutionProcessID).WithFields(zap.String("container_id", containerID))

	if _, err := io.WriteString(attachment.Stdin, req.Stdin); err != nil {
		log.Warn("failed to write prompt to container stdin", zap.Error(err))
	}
	if err := attachment.Stdin.Close(); err != nil {
		log.Debug("failed to close container stdin", zap.Error(err))
	}
	go func() {
		_, _ = io.Copy(&stderrLogger{logger: log}, attachment.Stderr)
	}()

	s.mu.Lock()
	s.live[containerID] = req.ExecutionProcessID
	s.mu.Unlock()

	log.Info("container started", zap.String("image", image))
	return &containerHandle{
		spawner:     s,
		ctx:         ctx,
		containerID: containerID,
		attachment:  attachment,
	}, nil
}

func (s *DockerSpawner) release(containerID string) {
	s.mu.Lock()
	delete(s.live, containerID)
	s.mu.Unlock()
	if err := s.runtime.RemoveContainer(context.Background(), containerID, true); err != nil {
		s.logger.Warn("failed to remove container",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
}

// cleanupLoop runs periodic cleanup of stale containers
func (s *DockerSpawner) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.performCleanup(ctx)
		}
	}
}

// performCleanup removes managed containers no live handle owns.
func (s *DockerSpawner) performCleanup(ctx context.Context) {
	containers, err := s.runtime.ListContainers(ctx, map[string]string{labelManaged: "true"})
	if err != nil {
		s.logger.Error("failed to list containers for cleanup", zap.Error(err))
		return
	}

	for _, ctr := range containers {
		s.mu.Lock()
		_, owned := s.live[ctr.ID]
		s.mu.Unlock()
		if owned {
			continue
		}
		s.logger.WithProcessID(ctr.Labels[labelProcessID]).Info("removing orphaned container",
			zap.String("container_id", ctr.ID),
			zap.String("state", ctr.State))
		if err := s.runtime.RemoveContainer(ctx, ctr.ID, true); err != nil {
			s.logger.Warn("failed to remove orphaned container",
				zap.String("container_id", ctr.ID),
				zap.Error(err))
		}
	}
}

type containerHandle struct {
	spawner     *DockerSpawner
	ctx         context.Context
	containerID string
	attachment  *docker.Attachment

	waitOnce sync.Once
	exitCode int64
	waitErr  error
}

func (h *containerHandle) Output() io.Reader {
	return h.attachment.Stdout
}

func (h *containerHandle) Wait() (int64, error) {
	h.waitOnce.Do(func() {
		h.exitCode, h.waitErr = h.spawner.runtime.WaitContainer(h.ctx, h.containerID)
		_ = h.attachment.Close()
		h.spawner.release(h.containerID)
	})
	return h.exitCode, h.waitErr
}

func (h *containerHandle) Kill(ctx context.Context) error {
	return h.spawner.runtime.StopContainer(ctx, h.containerID, h.spawner.gracePeriod)
}

func (s *DockerSpawner) containerEnv(reqEnv map[string]string) map[string]string {
	if s.credentials == nil {
		return reqEnv
	}
	env := s.credentials.Environment()
	for k, v := range reqEnv {
		env[k] = v
	}
	return env
}
