// Package logger provides structured logging using go.uber.org/zap.
package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

// RequestIDKey is the context key the HTTP middleware stores the request ID under.
const RequestIDKey contextKey = "request_id"

// Field names shared by every component so log lines for one execution can be
// joined across the orchestrator, the lifecycle manager and the spawners.
const (
	FieldTaskID      = "task_id"
	FieldAttemptID   = "task_attempt_id"
	FieldProcessID   = "execution_process_id"
	FieldApprovalID  = "approval_id"
	FieldRequestID   = "request_id"
	fieldComponentID = "component"
)

// LoggingConfig holds the configuration for the logger.
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, console (or text)
	OutputPath string // stdout, stderr, or file path
}

// Logger wraps zap.Logger with helpers for the IDs anyon logs under.
type Logger struct {
	zap *zap.Logger
}

// NewLogger creates a new Logger with the given configuration. An unknown
// level falls back to info.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "console", "text":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	sink, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, sink, level)
	return &Logger{zap: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))}, nil
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(file), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	err := l.UnmarshalText([]byte(level))
	return l, err
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithFields returns a new Logger with the given fields added.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithComponent tags every line with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithFields(zap.String(fieldComponentID, name))
}

// WithContext adds the request ID stored by the HTTP middleware, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		return l.WithFields(zap.String(FieldRequestID, requestID))
	}
	return l
}

func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.WithFields(zap.String(FieldTaskID, taskID))
}

func (l *Logger) WithAttemptID(attemptID string) *Logger {
	return l.WithFields(zap.String(FieldAttemptID, attemptID))
}

func (l *Logger) WithProcessID(processID string) *Logger {
	return l.WithFields(zap.String(FieldProcessID, processID))
}

func (l *Logger) WithApprovalID(approvalID string) *Logger {
	return l.WithFields(zap.String(FieldApprovalID, approvalID))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
