// Package persistence implements the on-disk batch queue backing the
// network sink. Batches that could not be delivered are written as
// `batch-<batchId>-<createdAtMillis>.json`; writes always go through a
// `.tmp` file followed by an atomic rename, and readers ignore `.tmp`
// files, so a crash mid-write never yields a half-visible batch.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"auditcore/pkg/types"
)

// maxRecoveryRetries is the retry count above which a persisted batch
// is discarded during recovery.
const maxRecoveryRetries = 5

// Config configures the persistent queue.
type Config struct {
	Dir      string `yaml:"dir"`
	MaxFiles int    `yaml:"max_files"`
}

// PersistedBatch is the file schema of a queued batch.
type PersistedBatch struct {
	BatchID    string                   `json:"batchId"`
	Records    []map[string]interface{} `json:"records"`
	CreatedAt  int64                    `json:"createdAt"`
	RetryCount int                      `json:"retryCount"`
}

// Queue is a directory-backed batch queue. Concurrent use is serialized
// by a mutex; cross-process safety relies on batchId filename uniqueness.
type Queue struct {
	config Config
	logger *logrus.Logger
	mutex  sync.Mutex
}

// NewQueue creates the queue directory if needed.
func NewQueue(config Config, logger *logrus.Logger) (*Queue, error) {
	if config.MaxFiles <= 0 {
		config.MaxFiles = 1000
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &Queue{config: config, logger: logger}, nil
}

// Persist writes the batch to disk. Oldest files are dropped when the
// directory exceeds MaxFiles.
func (q *Queue) Persist(batch *types.Batch) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	records := make([]map[string]interface{}, 0, len(batch.Entries))
	for _, r := range batch.Records() {
		records = append(records, r.WireObject())
	}
	pb := PersistedBatch{
		BatchID:    batch.ID,
		Records:    records,
		CreatedAt:  batch.CreatedAt.UnixMilli(),
		RetryCount: batch.RetryCount,
	}
	if err := q.writeLocked(pb); err != nil {
		return err
	}
	return q.enforceMaxFilesLocked()
}

// Update rewrites a persisted batch in place (retry count bumps).
func (q *Queue) Update(pb PersistedBatch) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.writeLocked(pb)
}

func (q *Queue) writeLocked(pb PersistedBatch) error {
	data, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("marshal persisted batch %s: %w", pb.BatchID, err)
	}

	name := fmt.Sprintf("batch-%s-%d.json", pb.BatchID, pb.CreatedAt)
	final := filepath.Join(q.config.Dir, name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Remove deletes every persisted file carrying the given batch id.
func (q *Queue) Remove(batchID string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.removeLocked(batchID)
}

func (q *Queue) removeLocked(batchID string) error {
	files, err := q.listLocked()
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.batchID == batchID {
			if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of persisted batches.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	files, err := q.listLocked()
	if err != nil {
		return 0
	}
	return len(files)
}

// Recover loads every persisted batch in age order and hands it to
// handler. Successful handling removes the file; failures bump the
// persisted retry count, and batches past maxRecoveryRetries are
// discarded. Running Recover twice with no new failures is a no-op the
// second time.
func (q *Queue) Recover(ctx context.Context, handler func(PersistedBatch) error) (recovered, discarded int, err error) {
	q.mutex.Lock()
	files, listErr := q.listLocked()
	q.mutex.Unlock()
	if listErr != nil {
		return 0, 0, listErr
	}

	for _, f := range files {
		select {
		case <-ctx.Done():
			return recovered, discarded, ctx.Err()
		default:
		}

		pb, loadErr := q.load(f.path)
		if loadErr != nil {
			q.logger.WithFields(logrus.Fields{
				"file":  f.path,
				"error": loadErr,
			}).Warn("Discarding unreadable persisted batch")
			os.Remove(f.path)
			discarded++
			continue
		}

		if pb.RetryCount > maxRecoveryRetries {
			q.logger.WithFields(logrus.Fields{
				"batch_id": pb.BatchID,
				"retries":  pb.RetryCount,
			}).Warn("Discarding persisted batch past retry limit")
			os.Remove(f.path)
			discarded++
			continue
		}

		if handlerErr := handler(pb); handlerErr != nil {
			pb.RetryCount++
			if updateErr := q.Update(pb); updateErr != nil {
				q.logger.WithField("batch_id", pb.BatchID).WithError(updateErr).
					Error("Failed to update persisted batch retry count")
			}
			continue
		}

		q.mutex.Lock()
		removeErr := q.removeLocked(pb.BatchID)
		q.mutex.Unlock()
		if removeErr != nil {
			return recovered, discarded, removeErr
		}
		recovered++
	}
	return recovered, discarded, nil
}

func (q *Queue) load(path string) (PersistedBatch, error) {
	var pb PersistedBatch
	data, err := os.ReadFile(path)
	if err != nil {
		return pb, err
	}
	if err := json.Unmarshal(data, &pb); err != nil {
		return pb, err
	}
	if pb.BatchID == "" {
		return pb, fmt.Errorf("missing batchId in %s", path)
	}
	return pb, nil
}

type queueFile struct {
	path      string
	batchID   string
	createdAt int64
}

// listLocked enumerates valid queue files oldest-first. `.tmp` files
// and foreign filenames are skipped.
func (q *Queue) listLocked() ([]queueFile, error) {
	entries, err := os.ReadDir(q.config.Dir)
	if err != nil {
		return nil, err
	}

	var files []queueFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			continue
		}
		batchID, createdAt, ok := parseQueueFilename(name)
		if !ok {
			continue
		}
		files = append(files, queueFile{
			path:      filepath.Join(q.config.Dir, name),
			batchID:   batchID,
			createdAt: createdAt,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].createdAt < files[j].createdAt
	})
	return files, nil
}

func (q *Queue) enforceMaxFilesLocked() error {
	files, err := q.listLocked()
	if err != nil {
		return err
	}
	for len(files) > q.config.MaxFiles {
		oldest := files[0]
		if err := os.Remove(oldest.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		q.logger.WithField("batch_id", oldest.batchID).
			Warn("Persistent queue full, dropped oldest batch")
		files = files[1:]
	}
	return nil
}

// parseQueueFilename splits `batch-<batchId>-<createdAtMillis>.json`.
// Batch ids may themselves contain dashes; the timestamp is the final
// dash-separated segment.
func parseQueueFilename(name string) (batchID string, createdAt int64, ok bool) {
	if !strings.HasPrefix(name, "batch-") || !strings.HasSuffix(name, ".json") {
		return "", 0, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, "batch-"), ".json")
	idx := strings.LastIndex(core, "-")
	if idx <= 0 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(core[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return core[:idx], ts, true
}
