package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/logger"
)

// LocalSpawner runs execution processes as child processes of the server.
type LocalSpawner struct {
	gracePeriod time.Duration
	logger      *logger.Logger
}

// NewLocalSpawner creates a spawner that runs processes on the host.
func NewLocalSpawner(gracePeriod time.Duration, log *logger.Logger) *LocalSpawner {
	return &LocalSpawner{
		gracePeriod: gracePeriod,
		logger:      log.WithComponent("local-spawner"),
	}
}

// Spawn starts the process. Cancelling ctx kills it.
func (s *LocalSpawner) Spawn(ctx context.Context, req *SpawnRequest) (Handle, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command for execution process %s", req.ExecutionProcessID)
	}
	if req.WorkDir != "" {
		if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace %s: %w", req.WorkDir, err)
		}
	}

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = buildEnvSlice(os.Environ(), req.Env)
	cmd.Stdin = strings.NewReader(req.Stdin)
	startInGroup(cmd)
	// A cancelled ctx takes down the whole group, not just the leader.
	cmd.Cancel = func() error { return killGroup(cmd.Process.Pid) }
	cmd.WaitDelay = s.gracePeriod

	log := s.logger.WithProcessID(req.ExecutionProcessID)
	cmd.Stderr = &stderrLogger{logger: log}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", req.Command[0], err)
	}

	log.Info("process started",
		zap.String("command", req.Command[0]),
		zap.Int("pid", cmd.Process.Pid))

	return &localHandle{
		cmd:         cmd,
		stdout:      stdout,
		gracePeriod: s.gracePeriod,
		done:        make(chan struct{}),
	}, nil
}

type localHandle struct {
	cmd         *exec.Cmd
	stdout      io.Reader
	gracePeriod time.Duration

	waitOnce sync.Once
	exitCode int64
	waitErr  error
	done     chan struct{}
}

func (h *localHandle) Output() io.Reader {
	return h.stdout
}

func (h *localHandle) Wait() (int64, error) {
	h.waitOnce.Do(func() {
		defer close(h.done)
		err := h.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			h.exitCode = 0
		case errors.As(err, &exitErr):
			h.exitCode = int64(exitErr.ExitCode())
		default:
			h.exitCode = -1
			h.waitErr = err
		}
	})
	return h.exitCode, h.waitErr
}

// Kill terminates the process group, then force-kills it once the grace
// period is over.
func (h *localHandle) Kill(ctx context.Context) error {
	pid := h.cmd.Process.Pid
	if err := terminateGroup(pid); err != nil {
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}

	timer := time.NewTimer(h.gracePeriod)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := killGroup(pid); err != nil {
		return fmt.Errorf("failed to kill process group %d: %w", pid, err)
	}
	return nil
}

// stderrLogger forwards stderr output to the debug log line by line.
type stderrLogger struct {
	logger  *logger.Logger
	mu      sync.Mutex
	pending []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimRight(string(w.pending[:i]), "\r"); line != "" {
			w.logger.Debug("stderr", zap.String("line", line))
		}
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}
