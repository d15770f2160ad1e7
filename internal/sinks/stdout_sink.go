package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/types"
)

// ANSI codes per level.
var levelColors = map[types.Level]string{
	types.LevelError: "\x1b[31m", // red
	types.LevelWarn:  "\x1b[33m", // yellow
	types.LevelInfo:  "\x1b[36m", // cyan
	types.LevelDebug: "\x1b[90m", // bright black
}

const colorReset = "\x1b[0m"

// StdoutConfig configures the stdout sink.
type StdoutConfig struct {
	// Color is "auto" (default), "true", or "false". Auto enables
	// color only when stdout is a terminal.
	Color string `yaml:"color"`
	Theme string `yaml:"theme"`
}

// StdoutSink writes one formatted line per record:
// [timestamp] [module] [LEVEL]: message{context?}
type StdoutSink struct {
	config StdoutConfig
	logger *logrus.Logger

	mutex  sync.Mutex
	out    io.Writer
	writer *bufio.Writer
	color  bool
	closed bool
}

// NewStdoutSink creates a sink writing to os.Stdout.
func NewStdoutSink(config StdoutConfig, logger *logrus.Logger) *StdoutSink {
	return newStdoutSink(config, os.Stdout, logger)
}

func newStdoutSink(config StdoutConfig, out io.Writer, logger *logrus.Logger) *StdoutSink {
	return &StdoutSink{
		config: config,
		logger: logger,
		out:    out,
		writer: bufio.NewWriter(out),
		color:  colorEnabled(config.Color, out),
	}
}

// colorEnabled resolves the color setting; anything that is not a
// terminal never gets escape codes.
func colorEnabled(setting string, out io.Writer) bool {
	isTerminal := false
	if f, ok := out.(*os.File); ok {
		if info, err := f.Stat(); err == nil {
			isTerminal = info.Mode()&os.ModeCharDevice != 0
		}
	}
	switch setting {
	case "false":
		return false
	case "true", "auto", "":
		return isTerminal
	default:
		return isTerminal
	}
}

// Name implements types.Sink.
func (s *StdoutSink) Name() string { return "stdout" }

// Start implements types.Sink.
func (s *StdoutSink) Start(ctx context.Context) error { return nil }

// Stop flushes pending output.
func (s *StdoutSink) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return s.writer.Flush()
}

// IsHealthy implements types.Sink.
func (s *StdoutSink) IsHealthy() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return !s.closed
}

// Write renders each record as one line.
func (s *StdoutSink) Write(ctx context.Context, batch *types.Batch) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return apperrors.PermanentSinkError("stdout", "sink is stopped")
	}

	for _, r := range batch.Records() {
		if _, err := s.writer.WriteString(s.formatRecord(r)); err != nil {
			return apperrors.TransientSinkError("stdout", "write failed").Wrap(err)
		}
	}
	if err := s.writer.Flush(); err != nil {
		return apperrors.TransientSinkError("stdout", "flush failed").Wrap(err)
	}
	return nil
}

func (s *StdoutSink) formatRecord(r *types.LogRecord) string {
	level := r.Level.String()
	if s.color {
		if code, ok := levelColors[r.Level]; ok {
			level = code + level + colorReset
		}
	}

	line := fmt.Sprintf("[%s] [%s] [%s]: %s",
		r.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), r.Module, level, r.Message)
	if len(r.Context) > 0 {
		if ctx, err := json.Marshal(r.Context); err == nil {
			line += string(ctx)
		}
	}
	return line + "\n"
}
