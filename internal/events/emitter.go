package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Emitter is the sink contract. Emit must be non-blocking from the
// caller's point of view; errors are handled internally and never
// returned.
type Emitter interface {
	Emit(event Event)
	Close() error
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

func (NoopEmitter) Close() error { return nil }

// LogEmitter mirrors events into the process log at debug level. Useful in
// development; production deployments point EVENT_LOG_FILE at a file sink.
type LogEmitter struct {
	logger *zap.Logger
}

func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(event Event) {
	l.logger.Debug("event",
		zap.String("kind", event.Kind),
		zap.String("request_id", event.RequestID),
		zap.String("url", event.URL),
		zap.Int("status_code", event.StatusCode))
}

func (l *LogEmitter) Close() error { return nil }

// File rotation defaults.
const (
	fileMaxSizeMB  = 100
	fileMaxAgeDays = 30
	fileMaxBackups = 10
)

// FileEmitter writes one JSON line per event to a rotated file.
type FileEmitter struct {
	writer *lumberjack.Logger
	logger *zap.Logger
}

func NewFileEmitter(path string, logger *zap.Logger) (*FileEmitter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log directory %s: %w", dir, err)
	}

	return &FileEmitter{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    fileMaxSizeMB,
			MaxAge:     fileMaxAgeDays,
			MaxBackups: fileMaxBackups,
			Compress:   true,
		},
		logger: logger,
	}, nil
}

func (f *FileEmitter) Emit(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		f.logger.Warn("failed to encode event", zap.Error(err))
		return
	}
	if _, err := f.writer.Write(append(line, '\n')); err != nil {
		f.logger.Warn("failed to write event to log file",
			zap.Error(err),
			zap.String("request_id", event.RequestID))
	}
}

func (f *FileEmitter) Close() error {
	return f.writer.Close()
}

// MultiEmitter fans an event out to several sinks.
type MultiEmitter struct {
	sinks []Emitter
}

func NewMultiEmitter(sinks ...Emitter) *MultiEmitter {
	return &MultiEmitter{sinks: sinks}
}

func (m *MultiEmitter) Emit(event Event) {
	for _, sink := range m.sinks {
		sink.Emit(event)
	}
}

func (m *MultiEmitter) Close() error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
