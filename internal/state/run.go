package state

import (
	"database/sql"
	"fmt"
	"time"
)

// RunStatus represents the status of a feature run.
type RunStatus string

const (
	RunActive   RunStatus = "running"
	RunVerified RunStatus = "verified"
	RunFailed   RunStatus = "failed"
	RunRequeued RunStatus = "requeued"
	RunCanceled RunStatus = "canceled"
)

// Run records one pass of a feature through implementation and pipeline.
type Run struct {
	ID         string     `json:"id"`
	FeatureID  string     `json:"feature_id"`
	Attempt    int        `json:"attempt"`
	Status     RunStatus  `json:"status"`
	Step       string     `json:"step"`
	TokensIn   int64      `json:"tokens_in"`
	TokensOut  int64      `json:"tokens_out"`
	Error      string     `json:"error"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// PauseRecord records one scheduler pause interval.
type PauseRecord struct {
	ID        int64      `json:"id"`
	Reason    string     `json:"reason"`
	PausedAt  time.Time  `json:"paused_at"`
	ResumedAt *time.Time `json:"resumed_at"`
}

// Run CRUD operations

// CreateRun records the start of a feature run.
func (db *DB) CreateRun(r *Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (id, feature_id, attempt, status, step, tokens_in, tokens_out, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.FeatureID, r.Attempt, string(r.Status), r.Step, r.TokensIn, r.TokensOut, r.Error, formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil when the run does not exist.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, feature_id, attempt, status, step, tokens_in, tokens_out, error, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// UpdateRun updates a run's mutable fields.
func (db *DB) UpdateRun(r *Run) error {
	var finished any
	if r.FinishedAt != nil {
		finished = formatTime(*r.FinishedAt)
	}
	_, err := db.Exec(`
		UPDATE runs SET status = ?, step = ?, tokens_in = ?, tokens_out = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, string(r.Status), r.Step, r.TokensIn, r.TokensOut, r.Error, finished, r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// FinishRun marks a run terminal with the given status and error text.
func (db *DB) FinishRun(id string, status RunStatus, errText string) error {
	_, err := db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, string(status), errText, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// ListRunsByFeature lists runs for one feature, most recent first.
func (db *DB) ListRunsByFeature(featureID string) ([]Run, error) {
	rows, err := db.Query(`
		SELECT id, feature_id, attempt, status, step, tokens_in, tokens_out, error, started_at, finished_at
		FROM runs WHERE feature_id = ? ORDER BY started_at DESC
	`, featureID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRecentRuns lists the most recent runs across all features.
func (db *DB) ListRecentRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, feature_id, attempt, status, step, tokens_in, tokens_out, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListActiveRuns lists runs without a terminal status.
func (db *DB) ListActiveRuns() ([]Run, error) {
	rows, err := db.Query(`
		SELECT id, feature_id, attempt, status, step, tokens_in, tokens_out, error, started_at, finished_at
		FROM runs WHERE status = ? ORDER BY started_at
	`, string(RunActive))
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// Pause records

// RecordPause inserts a pause record and returns its id.
func (db *DB) RecordPause(reason string, at time.Time) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO pauses (reason, paused_at) VALUES (?, ?)
	`, reason, formatTime(at))
	if err != nil {
		return 0, fmt.Errorf("record pause: %w", err)
	}
	return res.LastInsertId()
}

// RecordResume closes a pause record.
func (db *DB) RecordResume(id int64, at time.Time) error {
	_, err := db.Exec(`
		UPDATE pauses SET resumed_at = ? WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("record resume: %w", err)
	}
	return nil
}

// ListPauses lists pause intervals, most recent first.
func (db *DB) ListPauses(limit int) ([]PauseRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, reason, paused_at, resumed_at
		FROM pauses ORDER BY paused_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pauses: %w", err)
	}
	defer rows.Close()

	var pauses []PauseRecord
	for rows.Next() {
		var p PauseRecord
		var pausedAt string
		var resumedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.Reason, &pausedAt, &resumedAt); err != nil {
			return nil, fmt.Errorf("scan pause: %w", err)
		}
		p.PausedAt, _ = parseTime(pausedAt)
		p.ResumedAt = parseNullableTime(resumedAt)
		pauses = append(pauses, p)
	}
	return pauses, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var startedAt string
	var finishedAt sql.NullString
	err := row.Scan(&r.ID, &r.FeatureID, &r.Attempt, &r.Status, &r.Step,
		&r.TokensIn, &r.TokensOut, &r.Error, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	return &r, nil
}

func collectRuns(rows *sql.Rows) ([]Run, error) {
	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
