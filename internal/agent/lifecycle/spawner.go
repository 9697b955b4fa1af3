package lifecycle

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SpawnRequest describes one process to start for the head of an action chain.
type SpawnRequest struct {
	ExecutionProcessID string
	TaskAttemptID      string
	Command            []string
	Env                map[string]string
	Stdin              string // written once, then stdin is closed
	WorkDir            string // host directory of the task attempt
	Image              string // container image, ignored by the local spawner
}

// Handle controls a spawned process.
type Handle interface {
	// Output streams the process stdout until it exits.
	Output() io.Reader
	// Wait blocks until the process exits. It must be called after Output
	// reaches EOF and returns the exit code.
	Wait() (int64, error)
	// Kill stops the process, forcefully once the grace period passes.
	Kill(ctx context.Context) error
}

// Spawner starts execution processes.
type Spawner interface {
	Spawn(ctx context.Context, req *SpawnRequest) (Handle, error)
}

// buildEnvSlice converts an env map into a slice of KEY=VALUE strings,
// layered on top of base.
func buildEnvSlice(base []string, env map[string]string) []string {
	result := append([]string(nil), base...)
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}

// expandHome resolves a leading ~ to the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
