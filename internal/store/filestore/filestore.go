// Package filestore implements the task store over a single YAML file.
// All writes go through atomic temp-file + rename so a crash mid-write
// never leaves a torn queue behind.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/oweller/taskmill/internal/model"
	"github.com/oweller/taskmill/internal/store"
	"github.com/oweller/taskmill/internal/yaml"
)

// QueueFileName is the task queue file inside the data directory.
const QueueFileName = "tasks.yaml"

type taskRecord struct {
	ID           string            `yaml:"id"`
	Title        string            `yaml:"title"`
	Status       string            `yaml:"status"`
	Priority     string            `yaml:"priority,omitempty"`
	QueuedAt     time.Time         `yaml:"queued_at"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
	RetryCount   int               `yaml:"retry_count,omitempty"`
	LastError    string            `yaml:"last_error,omitempty"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
	Lease        *store.Lease      `yaml:"lease,omitempty"`
}

type queueFile struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Tasks         []taskRecord `yaml:"tasks"`
}

// Store is a file-backed task store. A process-wide mutex serializes all
// access; cross-process exclusion relies on the conditional swap being a
// single read-modify-rename under that mutex.
type Store struct {
	dataDir string
	path    string
	logger  zerolog.Logger

	mu sync.Mutex
}

// Open creates (if needed) and opens the queue file under dataDir.
func Open(dataDir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		dataDir: dataDir,
		path:    filepath.Join(dataDir, QueueFileName),
		logger:  logger.With().Str("component", "filestore").Logger(),
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if err := yaml.GenerateSkeleton(s.path, yaml.FileTypeTaskQueue); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the queue file location.
func (s *Store) Path() string { return s.path }

// load reads and parses the queue file, quarantining and regenerating it
// when corrupted. Caller holds s.mu.
func (s *Store) load() (*queueFile, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &queueFile{SchemaVersion: yaml.CurrentSchemaVersion, FileType: yaml.FileTypeTaskQueue}, nil
		}
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	if err := yaml.ValidateSchemaHeaderFromBytes(content, yaml.FileTypeTaskQueue); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("queue file failed validation, recovering")
		if recErr := yaml.RecoverCorruptedFile(s.dataDir, s.path, yaml.FileTypeTaskQueue); recErr != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, recErr)
		}
		content, err = os.ReadFile(s.path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
	}

	var qf queueFile
	if err := yamlv3.Unmarshal(content, &qf); err != nil {
		return nil, fmt.Errorf("%w: parse queue file: %v", store.ErrUnavailable, err)
	}
	return &qf, nil
}

// save writes the queue file atomically. Caller holds s.mu.
func (s *Store) save(qf *queueFile) error {
	qf.SchemaVersion = yaml.CurrentSchemaVersion
	qf.FileType = yaml.FileTypeTaskQueue
	if err := yaml.AtomicWrite(s.path, qf); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (qf *queueFile) find(id string) *taskRecord {
	for i := range qf.Tasks {
		if qf.Tasks[i].ID == id {
			return &qf.Tasks[i]
		}
	}
	return nil
}

func toItem(r taskRecord) model.TaskItem {
	return model.TaskItem{
		ID:           r.ID,
		Title:        r.Title,
		Priority:     model.Priority(r.Priority),
		QueuedAt:     r.QueuedAt,
		Dependencies: r.Dependencies,
		RetryCount:   r.RetryCount,
		LastError:    r.LastError,
		Metadata:     r.Metadata,
	}
}

// Add appends a new task in the given status. A zero QueuedAt is set to
// now.
func (s *Store) Add(ctx context.Context, task model.TaskItem, status model.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	qf, err := s.load()
	if err != nil {
		return err
	}
	if qf.find(task.ID) != nil {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	queuedAt := task.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now().UTC()
	}
	qf.Tasks = append(qf.Tasks, taskRecord{
		ID:           task.ID,
		Title:        task.Title,
		Status:       string(status),
		Priority:     string(task.Priority),
		QueuedAt:     queuedAt,
		Dependencies: task.Dependencies,
		Metadata:     task.Metadata,
	})
	return s.save(qf)
}

// List returns every task regardless of status.
func (s *Store) List(ctx context.Context) ([]model.TaskItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	qf, err := s.load()
	if err != nil {
		return nil, err
	}
	items := make([]model.TaskItem, 0, len(qf.Tasks))
	for _, r := range qf.Tasks {
		items = append(items, toItem(r))
	}
	return items, nil
}

func (s *Store) ListByStatus(ctx context.Context, status model.Status) ([]model.TaskItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	qf, err := s.load()
	if err != nil {
		return nil, err
	}
	var items []model.TaskItem
	for _, r := range qf.Tasks {
		if r.Status == string(status) {
			items = append(items, toItem(r))
		}
	}
	return items, nil
}

func (s *Store) GetStatus(ctx context.Context, id string) (model.Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	qf, err := s.load()
	if err != nil {
		return "", err
	}
	rec := qf.find(id)
	if rec == nil {
		return "", store.ErrNotFound
	}
	return model.Status(rec.Status), nil
}

func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, from, to model.Status) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	qf, err := s.load()
	if err != nil {
		return false, err
	}
	rec := qf.find(id)
	if rec == nil {
		return false, store.ErrNotFound
	}
	if rec.Status != string(from) {
		return false, nil
	}
	rec.Status = string(to)
	if err := s.save(qf); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, to model.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	qf, err := s.load()
	if err != nil {
		return err
	}
	rec := qf.find(id)
	if rec == nil {
		return store.ErrNotFound
	}
	rec.Status = string(to)
	return s.save(qf)
}

func (s *Store) SetLease(ctx context.Context, id string, lease store.Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	qf, err := s.load()
	if err != nil {
		return err
	}
	rec := qf.find(id)
	if rec == nil {
		return store.ErrNotFound
	}
	rec.Lease = &lease
	return s.save(qf)
}

func (s *Store) GetLease(ctx context.Context, id string) (*store.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	qf, err := s.load()
	if err != nil {
		return nil, err
	}
	rec := qf.find(id)
	if rec == nil {
		return nil, store.ErrNotFound
	}
	if rec.Lease == nil {
		return nil, nil
	}
	lease := *rec.Lease
	return &lease, nil
}

func (s *Store) ClearLease(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	qf, err := s.load()
	if err != nil {
		return err
	}
	rec := qf.find(id)
	if rec == nil {
		return store.ErrNotFound
	}
	if rec.Lease == nil {
		return nil
	}
	rec.Lease = nil
	return s.save(qf)
}
