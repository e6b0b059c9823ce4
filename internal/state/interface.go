// Package state provides SQLite-based run history for autoflow.
package state

import (
	"io"
	"time"
)

// RunStore handles run-related persistence operations.
type RunStore interface {
	CreateRun(r *Run) error
	GetRun(id string) (*Run, error)
	UpdateRun(r *Run) error
	FinishRun(id string, status RunStatus, errText string) error
	ListRunsByFeature(featureID string) ([]Run, error)
	ListRecentRuns(limit int) ([]Run, error)
	ListActiveRuns() ([]Run, error)
}

// PauseStore handles pause-interval persistence operations.
type PauseStore interface {
	RecordPause(reason string, at time.Time) (int64, error)
	RecordResume(id int64, at time.Time) error
	ListPauses(limit int) ([]PauseRecord, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// HistoryStore defines the interface for run-history persistence.
// This interface allows the orchestrator to work with any history backend
// without depending on the concrete SQLite implementation.
type HistoryStore interface {
	io.Closer
	Migrator
	RunStore
	PauseStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ HistoryStore = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ RunStore     = (*DB)(nil)
	_ PauseStore   = (*DB)(nil)
)
