package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logging surface shared by the plain slog logger and
// the OTLP-backed one.
type Logger interface {
	WithMetric(metric string) *slog.Logger
	WithError(err error) *slog.Logger
	LogStartup(serviceName string, version string, port int)
	LogShutdown(serviceName string, reason string)
	LogAnalysis(operation string, userID string, status string, durationMs int64)
	LogCacheOperation(operation string, key string, hit bool, durationMs int64)
	LogAPIRequest(method string, path string, statusCode int, durationMs int64, userID string)
	LogModelEvent(metric string, event string, details map[string]interface{})
	Logger() *slog.Logger
}

// StandardLogger delegates to the slog or OTLP-backed implementation.
type StandardLogger struct {
	logger Logger
}

// NewStandardLogger returns a JSON logger writing to stdout.
func NewStandardLogger(logLevel string, environment string) *StandardLogger {
	return NewStandardLoggerWithWriter(os.Stdout, logLevel, environment)
}

func NewStandardLoggerWithWriter(w io.Writer, logLevel string, environment string) *StandardLogger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: getSlogLevel(logLevel),
	}))
	if environment != "" {
		logger = logger.With("environment", environment)
	}
	return &StandardLogger{logger: &slogLogger{logger: logger}}
}

// NewStandardOTLPLogger exports through OTLP when configured and falls back to
// stdout JSON when the exporter cannot be built.
func NewStandardOTLPLogger(config OTLPConfig) *StandardLogger {
	otlpLogger, err := NewOTLPLogger(config)
	if err != nil {
		fallback := NewStandardLogger(config.LogLevel, config.Environment)
		fallback.WithError(err).Warn("OTLP log export unavailable, using stdout")
		return fallback
	}
	return &StandardLogger{logger: &slogLogger{logger: otlpLogger.Logger(), shutdown: otlpLogger}}
}

// WithMetric tags log lines with the forecast target they concern.
func (l *StandardLogger) WithMetric(metric string) *slog.Logger {
	return l.logger.WithMetric(metric)
}

func (l *StandardLogger) WithError(err error) *slog.Logger {
	return l.logger.WithError(err)
}

func (l *StandardLogger) LogStartup(serviceName string, version string, port int) {
	l.logger.LogStartup(serviceName, version, port)
}

func (l *StandardLogger) LogShutdown(serviceName string, reason string) {
	l.logger.LogShutdown(serviceName, reason)
}

// LogAnalysis records one completed analysis call.
func (l *StandardLogger) LogAnalysis(operation string, userID string, status string, durationMs int64) {
	l.logger.LogAnalysis(operation, userID, status, durationMs)
}

func (l *StandardLogger) LogCacheOperation(operation string, key string, hit bool, durationMs int64) {
	l.logger.LogCacheOperation(operation, key, hit, durationMs)
}

func (l *StandardLogger) LogAPIRequest(method string, path string, statusCode int, durationMs int64, userID string) {
	l.logger.LogAPIRequest(method, path, statusCode, durationMs, userID)
}

func (l *StandardLogger) LogModelEvent(metric string, event string, details map[string]interface{}) {
	l.logger.LogModelEvent(metric, event, details)
}

func (l *StandardLogger) Logger() *slog.Logger {
	return l.logger.Logger()
}

// Shutdown flushes the OTLP exporter when one is attached.
func (l *StandardLogger) Shutdown(ctx context.Context) error {
	if s, ok := l.logger.(*slogLogger); ok && s.shutdown != nil {
		return s.shutdown.Shutdown(ctx)
	}
	return nil
}

// NewLogrusLogger builds the logrus logger handed to services.
func NewLogrusLogger(level string, w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(ParseLogrusLevel(level))
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}

func getSlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLogrusLevel maps a config level name to logrus, defaulting to info.
func ParseLogrusLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// slogLogger implements Logger on top of any *slog.Logger.
type slogLogger struct {
	logger   *slog.Logger
	shutdown *OTLPLogger
}

func (s *slogLogger) WithMetric(metric string) *slog.Logger {
	return s.logger.With("metric", metric)
}

func (s *slogLogger) WithError(err error) *slog.Logger {
	if err == nil {
		return s.logger
	}
	return s.logger.With("error", err.Error())
}

func (s *slogLogger) LogStartup(serviceName string, version string, port int) {
	s.logger.Info("Application startup",
		"service", serviceName,
		"version", version,
		"port", port,
		"event", "startup",
	)
}

func (s *slogLogger) LogShutdown(serviceName string, reason string) {
	s.logger.Info("Application shutdown",
		"service", serviceName,
		"reason", reason,
		"event", "shutdown",
	)
}

func (s *slogLogger) LogAnalysis(operation string, userID string, status string, durationMs int64) {
	s.logger.Info("Analysis completed",
		"operation", operation,
		"user_id", userID,
		"status", status,
		"duration_ms", durationMs,
		"event", "analysis",
	)
}

func (s *slogLogger) LogCacheOperation(operation string, key string, hit bool, durationMs int64) {
	s.logger.Debug("Cache operation",
		"operation", operation,
		"key", key,
		"hit", hit,
		"duration_ms", durationMs,
		"event", "cache",
	)
}

func (s *slogLogger) LogAPIRequest(method string, path string, statusCode int, durationMs int64, userID string) {
	s.logger.Info("API request",
		"method", method,
		"path", path,
		"status", statusCode,
		"duration_ms", durationMs,
		"user_id", userID,
		"event", "api",
	)
}

func (s *slogLogger) LogModelEvent(metric string, event string, details map[string]interface{}) {
	fields := []interface{}{
		"metric", metric,
		"model_event", event,
		"event", "model",
	}
	for k, v := range details {
		fields = append(fields, k, v)
	}
	s.logger.Info("Forecast model event", fields...)
}

func (s *slogLogger) Logger() *slog.Logger {
	return s.logger
}
