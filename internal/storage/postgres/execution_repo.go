package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/warden/internal/storage"
)

// ExecutionRepository implements storage.ExecutionStore with GORM.
// Append-only: no Update or Delete methods exist on this type.
// The SQLite backend reuses it unchanged.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Append inserts a single execution. A missing ID is generated and written
// back to e.
func (r *ExecutionRepository) Append(ctx context.Context, e *storage.Execution) error {
	model := toExecutionModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending execution: %w", err)
	}
	e.ID = model.ID.String()
	return nil
}

// Recent returns executions newest first.
func (r *ExecutionRepository) Recent(ctx context.Context, f storage.Filter) ([]storage.Execution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = storage.DefaultLimit
	}

	q := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit)
	if f.Program != "" {
		q = q.Where("program = ?", f.Program)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}

	out := make([]storage.Execution, len(models))
	for i := range models {
		out[i] = toExecutionDomain(&models[i])
	}
	return out, nil
}

func toExecutionModel(e *storage.Execution) ExecutionModel {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		id = uuid.New()
	}
	argv, _ := json.Marshal(e.Argv)
	if e.Argv == nil {
		argv = []byte("[]")
	}
	return ExecutionModel{
		ID:           id,
		RequestID:    e.RequestID,
		Command:      e.Command,
		Argv:         string(argv),
		Program:      e.Program,
		PolicyID:     e.PolicyID,
		Cwd:          e.Cwd,
		Status:       e.Status,
		ExitCode:     e.ExitCode,
		DeniedReason: e.DeniedReason,
		TimedOut:     e.TimedOut,
		Truncated:    e.Truncated,
		StdoutBytes:  e.StdoutBytes,
		StderrBytes:  e.StderrBytes,
		DurationMS:   e.Duration.Milliseconds(),
		StartedAt:    e.StartedAt.UTC(),
	}
}

func toExecutionDomain(m *ExecutionModel) storage.Execution {
	var argv []string
	_ = json.Unmarshal([]byte(m.Argv), &argv)
	return storage.Execution{
		ID:           m.ID.String(),
		RequestID:    m.RequestID,
		Command:      m.Command,
		Argv:         argv,
		Program:      m.Program,
		PolicyID:     m.PolicyID,
		Cwd:          m.Cwd,
		Status:       m.Status,
		ExitCode:     m.ExitCode,
		DeniedReason: m.DeniedReason,
		TimedOut:     m.TimedOut,
		Truncated:    m.Truncated,
		StdoutBytes:  m.StdoutBytes,
		StderrBytes:  m.StderrBytes,
		Duration:     time.Duration(m.DurationMS) * time.Millisecond,
		StartedAt:    m.StartedAt,
	}
}
