package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionModel maps to the "executions" table.
// No UpdatedAt or DeletedAt; history is append-only.
type ExecutionModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID    string    `gorm:"index;not null"`
	Command      string    `gorm:"type:text;not null"`
	Argv         string    `gorm:"type:text;not null;default:'[]'"` // JSON array.
	Program      string    `gorm:"index"`
	PolicyID     string
	Cwd          string `gorm:"type:text"`
	Status       string `gorm:"index;not null"`
	ExitCode     *int
	DeniedReason string
	TimedOut     bool `gorm:"not null;default:false"`
	Truncated    bool `gorm:"not null;default:false"`
	StdoutBytes  int
	StderrBytes  int
	DurationMS   int64
	StartedAt    time.Time `gorm:"index"`
	CreatedAt    time.Time
}

func (ExecutionModel) TableName() string { return "executions" }
