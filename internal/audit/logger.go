package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/reims/reims-ai/internal/models"
)

// Package audit builds the application logger and records the detection
// audit trail.
//
// Responsibilities:
//   - Application log: zap, JSON or console, optionally teed to a rotated file
//   - Audit trail: append-only JSON lines for every run and anomaly decision
//   - Correlate audit events with the report that produced them
//
// Integration Points:
//   - CLI: builds both loggers from the logging config section
//   - Pipeline / Model Cache: receive the application logger
//   - detect / cache commands: write audit events

const (
	bufferSize    = 100
	flushInterval = time.Second
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogRunCompleted records a finished ensemble run.
	LogRunCompleted(ctx context.Context, runID, entity, field string, active, suppressed int, duration time.Duration) error
	// LogRunFailed records a run that produced no report.
	LogRunFailed(ctx context.Context, entity, field string, err error) error
	// LogAnomaly records the final state of one consensus anomaly.
	LogAnomaly(ctx context.Context, runID string, a models.ConsensusAnomaly) error

	LogCacheInvalidated(ctx context.Context, scope, modelType string, count int) error
	LogCachePruned(ctx context.Context, count int) error
	LogConfigLoaded(ctx context.Context, path string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents logger configuration
type Config struct {
	// Level is the minimum application log level (debug, info, warn, error)
	Level string

	// Format is json or console
	Format string

	// AppLogPath, when set, tees the application log into a rotated file
	AppLogPath string

	// AuditLogPath is the audit trail file; empty disables the trail
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "json",
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func (c *Config) rotator(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
	}
}

// NewAppLogger builds the application logger writing to console (stderr
// when nil) and, if configured, to a rotated file.
func NewAppLogger(config *Config, console io.Writer) (*zap.Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if console == nil {
		console = os.Stderr
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(config.Format) {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	case "console":
		ec := encoderConfig()
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("invalid log format %q", config.Format)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(console), level)}
	if config.AppLogPath != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig()),
			zapcore.AddSync(config.rotator(config.AppLogPath)),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// auditLogger implements the Logger interface
type auditLogger struct {
	auditLogger *zap.Logger
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates the audit trail. With no AuditLogPath it returns a
// logger that discards events.
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return NopLogger{}, nil
	}

	// Audit logs are always INFO level, append-only.
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(config.rotator(config.AuditLogPath)),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		auditLogger: zap.New(auditCore),
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(flushInterval),
		stopCh:      make(chan struct{}),
	}
	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event. A missing correlation ID is taken from ctx.
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	for _, event := range l.buffer {
		l.auditLogger.Info(string(event.EventType),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("result", string(event.Result)),
			zap.Reflect("event", event),
		)
	}
	l.buffer = l.buffer[:0]
	return nil
}

func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogRunCompleted(ctx context.Context, runID, entity, field string, active, suppressed int, duration time.Duration) error {
	event := NewEvent(EventRunCompleted).
		WithCorrelationID(runID).
		WithSubject(entity, field).
		WithDuration(duration).
		WithMetadata("active", active).
		WithMetadata("suppressed", suppressed).
		WithDescription(fmt.Sprintf("Run %s completed: %d active, %d suppressed", runID, active, suppressed))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogRunFailed(ctx context.Context, entity, field string, err error) error {
	event := NewEvent(EventRunFailed).
		WithSubject(entity, field).
		WithError(err).
		WithDescription(fmt.Sprintf("Run for %s/%s failed", entity, field))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogAnomaly(ctx context.Context, runID string, a models.ConsensusAnomaly) error {
	eventType, result := EventAnomalyActive, ResultSuccess
	if a.State == models.StateSuppressed {
		eventType, result = EventAnomalySuppressed, ResultSuppressed
	}

	event := NewEvent(eventType).
		WithCorrelationID(runID).
		WithSubject(a.Entity, a.Field).
		WithPeriod(a.Representative.PeriodKey).
		WithResult(result).
		WithMetadata("type", string(a.Type)).
		WithMetadata("confidence", a.EnsembleConfidence).
		WithMetadata("methods", a.MethodsAgreed).
		WithDescription(a.Representative.Description)
	if a.Impact != nil {
		event.WithMetadata("impact_score", a.Impact.ImpactScore)
	}
	if a.SuppressionReason != "" {
		event.WithMetadata("suppression_reason", a.SuppressionReason)
	}

	return l.Log(ctx, event)
}

func (l *auditLogger) LogCacheInvalidated(ctx context.Context, scope, modelType string, count int) error {
	event := NewEvent(EventCacheInvalidated).
		WithMetadata("scope", scope).
		WithMetadata("model_type", modelType).
		WithMetadata("count", count).
		WithDescription(fmt.Sprintf("Invalidated %d cached models", count))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogCachePruned(ctx context.Context, count int) error {
	event := NewEvent(EventCachePruned).
		WithMetadata("count", count).
		WithDescription(fmt.Sprintf("Pruned %d cached models", count))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogConfigLoaded(ctx context.Context, path string) error {
	event := NewEvent(EventConfigLoaded).
		WithMetadata("path", path).
		WithDescription("Configuration loaded")

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.auditLogger.Sync()
}

// Close stops the flusher and flushes what is buffered. Safe to call twice.
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) Log(context.Context, *Event) error { return nil }
func (NopLogger) LogRunCompleted(context.Context, string, string, string, int, int, time.Duration) error {
	return nil
}
func (NopLogger) LogRunFailed(context.Context, string, string, error) error { return nil }
func (NopLogger) LogAnomaly(context.Context, string, models.ConsensusAnomaly) error { return nil }
func (NopLogger) LogCacheInvalidated(context.Context, string, string, int) error { return nil }
func (NopLogger) LogCachePruned(context.Context, int) error { return nil }
func (NopLogger) LogConfigLoaded(context.Context, string) error { return nil }
func (NopLogger) Sync() error { return nil }
func (NopLogger) Close() error { return nil }

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
