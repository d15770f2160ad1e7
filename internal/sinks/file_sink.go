package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/types"
)

var moduleNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

// FileConfig configures the file sink.
type FileConfig struct {
	Dir string `yaml:"dir"`

	// Flush the stream buffer as soon as it passes half capacity
	// instead of waiting for it to fill.
	StreamDrainOnBackpressure bool `yaml:"stream_drain_on_backpressure"`

	// BufferSize is the per-stream write buffer in bytes.
	BufferSize int `yaml:"buffer_size"`

	// SeenBatchLimit bounds the duplicate-batch fingerprint set.
	SeenBatchLimit int `yaml:"seen_batch_limit"`
}

type fileStream struct {
	file   *os.File
	writer *bufio.Writer
}

// FileSink appends records as JSON lines to
// <dir>/<sanitized-module>/<YYYY-MM-DD>.log. Writes are coalesced by
// path within a batch, and duplicate batch deliveries (retries) are
// suppressed by batch-ID fingerprint.
type FileSink struct {
	config FileConfig
	logger *logrus.Logger

	mutex     sync.Mutex
	files     map[string]*fileStream
	seen      map[uint64]struct{}
	seenOrder []uint64
	closed    bool
}

// NewFileSink creates the sink; the directory is created on Start.
func NewFileSink(config FileConfig, logger *logrus.Logger) (*FileSink, error) {
	if config.Dir == "" {
		return nil, apperrors.ConfigError("file", "new", "dir is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 64 * 1024
	}
	if config.SeenBatchLimit <= 0 {
		config.SeenBatchLimit = 4096
	}
	return &FileSink{
		config: config,
		logger: logger,
		files:  make(map[string]*fileStream),
		seen:   make(map[uint64]struct{}),
	}, nil
}

// Name implements types.Sink.
func (s *FileSink) Name() string { return "file" }

// Start creates the output directory.
func (s *FileSink) Start(ctx context.Context) error {
	return os.MkdirAll(s.config.Dir, 0o755)
}

// Stop flushes and closes every open stream.
func (s *FileSink) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var firstErr error
	for path, stream := range s.files {
		if err := stream.writer.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := stream.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, path)
	}
	s.closed = true
	return firstErr
}

// IsHealthy reports whether the sink can accept writes.
func (s *FileSink) IsHealthy() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return !s.closed
}

// Write appends the batch's records grouped by destination path.
// Redelivery of an already-written batch ID is a silent success.
func (s *FileSink) Write(ctx context.Context, batch *types.Batch) error {
	fingerprint := xxhash.Sum64String(batch.ID)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return apperrors.PermanentSinkError("file", "sink is stopped")
	}
	if _, dup := s.seen[fingerprint]; dup {
		s.logger.WithField("batch_id", batch.ID).Debug("Duplicate batch suppressed")
		return nil
	}

	// Coalesce records by target path, preserving in-batch order.
	grouped := make(map[string][]*types.LogRecord)
	var paths []string
	for _, r := range batch.Records() {
		path := s.pathFor(r)
		if _, ok := grouped[path]; !ok {
			paths = append(paths, path)
		}
		grouped[path] = append(grouped[path], r)
	}

	for _, path := range paths {
		if err := s.appendLocked(path, grouped[path]); err != nil {
			return apperrors.TransientSinkError("file",
				fmt.Sprintf("append to %s", path)).Wrap(err)
		}
	}

	s.markSeenLocked(fingerprint)
	return nil
}

func (s *FileSink) pathFor(r *types.LogRecord) string {
	module := moduleNameSanitizer.ReplaceAllString(r.Module, "_")
	day := r.Timestamp.Format("2006-01-02")
	return filepath.Join(s.config.Dir, module, day+".log")
}

func (s *FileSink) appendLocked(path string, records []*types.LogRecord) error {
	stream, err := s.streamLocked(path)
	if err != nil {
		return err
	}

	for _, r := range records {
		line, err := json.Marshal(r.WireObject())
		if err != nil {
			s.logger.WithField("module", r.Module).WithError(err).
				Warn("Skipping unserializable record")
			continue
		}
		if _, err := stream.writer.Write(line); err != nil {
			return err
		}
		if err := stream.writer.WriteByte('\n'); err != nil {
			return err
		}

		if s.config.StreamDrainOnBackpressure &&
			stream.writer.Buffered() > s.config.BufferSize/2 {
			if err := stream.writer.Flush(); err != nil {
				return err
			}
		}
	}
	return stream.writer.Flush()
}

func (s *FileSink) streamLocked(path string) (*fileStream, error) {
	if stream, ok := s.files[path]; ok {
		return stream, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	stream := &fileStream{
		file:   file,
		writer: bufio.NewWriterSize(file, s.config.BufferSize),
	}
	s.files[path] = stream
	return stream, nil
}

func (s *FileSink) markSeenLocked(fingerprint uint64) {
	s.seen[fingerprint] = struct{}{}
	s.seenOrder = append(s.seenOrder, fingerprint)
	for len(s.seenOrder) > s.config.SeenBatchLimit {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}
