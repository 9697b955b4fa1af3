package lifecycle

import (
	"bufio"
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/events"
	v1 "github.com/anyon/anyon/pkg/api/v1"
)

const (
	scanBufferSize    = 64 * 1024
	scanMaxLineLength = 1024 * 1024
)

// runningProcess tracks a spawned process until its exit is recorded.
type runningProcess struct {
	processID string
	attemptID string
	handle    Handle
	killed    atomic.Bool
}

// supervise reads the process output until EOF, delivers control messages,
// then reports the exit outcome.
func (m *Manager) supervise(rp *runningProcess) {
	defer m.wg.Done()

	log := m.logger.WithProcessID(rp.processID).WithAttemptID(rp.attemptID)

	scanner := bufio.NewScanner(rp.handle.Output())
	scanner.Buffer(make([]byte, 0, scanBufferSize), scanMaxLineLength)
	for scanner.Scan() {
		m.handleLine(rp, scanner.Bytes(), log)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("error reading process output", zap.Error(err))
	}

	exitCode, waitErr := rp.handle.Wait()
	outcome := ExitOutcome{Status: v1.ExecutionProcessStatusCompleted}
	switch {
	case rp.killed.Load():
		outcome.Status = v1.ExecutionProcessStatusKilled
	case waitErr != nil:
		log.Warn("failed to wait for process", zap.Error(waitErr))
		outcome.Status = v1.ExecutionProcessStatusFailed
	case exitCode != 0:
		outcome.Status = v1.ExecutionProcessStatusFailed
	}
	if waitErr == nil {
		outcome.ExitCode = &exitCode
	}

	// The request that started the process may be long gone.
	if _, err := m.OnProcessExit(context.Background(), rp.processID, outcome); err != nil {
		log.Error("failed to record process exit", zap.Error(err))
	}
}

func (m *Manager) handleLine(rp *runningProcess, line []byte, log *logger.Logger) {
	msg, ok := parseMessage(line)
	if !ok {
		log.Debug("process output", zap.ByteString("line", line))
		return
	}

	ctx := context.Background()
	switch msg.Type {
	case MessageSession:
		if err := m.sessions.RecordSession(ctx, rp.processID, msg.SessionID); err != nil {
			log.Warn("failed to record executor session", zap.Error(err))
			return
		}
		m.publish(ctx, executionEvent{
			eventType: events.ExecutorSessionReported,
			attemptID: rp.attemptID,
			data: map[string]interface{}{
				"execution_process_id": rp.processID,
				"task_attempt_id":      rp.attemptID,
				"session_id":           msg.SessionID,
			},
		})
	case MessageApprovalRequest:
		if m.approvals == nil {
			log.Warn("approval requested but no approval gate is configured",
				zap.String("tool_name", msg.ToolName))
			return
		}
		if _, err := m.approvals.RequestApproval(ctx, rp.processID, msg.ToolName, msg.Plan); err != nil {
			log.Warn("failed to request approval",
				zap.String("tool_name", msg.ToolName),
				zap.Error(err))
		}
	}
}
