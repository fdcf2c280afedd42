package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

// CreatePipelineRun inserts a new pipeline run.
// Missing fields get defaults: a generated ID, running status, analysis phase.
func (s *Store) CreatePipelineRun(run *PipelineRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.CurrentPhase == "" {
		run.CurrentPhase = PhaseAnalysis
	}
	if run.ConfigJSON == "" {
		run.ConfigJSON = "{}"
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	var tokenUsage *string
	if run.TokenUsageJSON != "" {
		tokenUsage = &run.TokenUsageJSON
	}

	_, err := s.Exec(`
		INSERT INTO pipeline_runs (id, methodology, status, current_phase, config_json, token_usage_json, parent_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Methodology, run.Status, run.CurrentPhase, run.ConfigJSON, tokenUsage, run.ParentRunID,
		run.CreatedAt.Format(time.RFC3339), run.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create pipeline run: %w", err)
	}
	return nil
}

// UpdatePipelineRun writes the mutable run fields and bumps updated_at.
func (s *Store) UpdatePipelineRun(run *PipelineRun) error {
	run.UpdatedAt = time.Now().UTC()

	var tokenUsage *string
	if run.TokenUsageJSON != "" {
		tokenUsage = &run.TokenUsageJSON
	}

	_, err := s.Exec(`
		UPDATE pipeline_runs
		SET methodology = ?, status = ?, current_phase = ?, config_json = ?, token_usage_json = ?, updated_at = ?
		WHERE id = ?
	`, run.Methodology, run.Status, run.CurrentPhase, run.ConfigJSON, tokenUsage,
		run.UpdatedAt.Format(time.RFC3339), run.ID)
	if err != nil {
		return fmt.Errorf("update pipeline run: %w", err)
	}
	return nil
}

// GetPipelineRun retrieves a run by ID. Returns (nil, nil) when absent.
func (s *Store) GetPipelineRun(id string) (*PipelineRun, error) {
	row := s.QueryRow(`
		SELECT id, methodology, status, current_phase, config_json, token_usage_json, parent_run_id, created_at, updated_at
		FROM pipeline_runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get pipeline run %s: %w", id, err)
	}
	return run, nil
}

// GetLatestRun returns the most recently created run, or (nil, nil).
func (s *Store) GetLatestRun() (*PipelineRun, error) {
	row := s.QueryRow(`
		SELECT id, methodology, status, current_phase, config_json, token_usage_json, parent_run_id, created_at, updated_at
		FROM pipeline_runs ORDER BY created_at DESC, id DESC LIMIT 1
	`)

	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest run: %w", err)
	}
	return run, nil
}

// GetActiveRun returns the most recent run still in running state, or
// (nil, nil) when no pipeline is active. Stopped runs are resumable but
// not active.
func (s *Store) GetActiveRun() (*PipelineRun, error) {
	row := s.QueryRow(`
		SELECT id, methodology, status, current_phase, config_json, token_usage_json, parent_run_id, created_at, updated_at
		FROM pipeline_runs WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, RunStatusRunning)

	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get active run: %w", err)
	}
	return run, nil
}

// GetLatestCompletedRun returns the newest completed run, or (nil, nil).
// Amendments target this run when no explicit run ID is given.
func (s *Store) GetLatestCompletedRun() (*PipelineRun, error) {
	row := s.QueryRow(`
		SELECT id, methodology, status, current_phase, config_json, token_usage_json, parent_run_id, created_at, updated_at
		FROM pipeline_runs WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, RunStatusCompleted)

	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest completed run: %w", err)
	}
	return run, nil
}

// ListRuns returns recent runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(limit int) ([]PipelineRun, error) {
	query := `
		SELECT id, methodology, status, current_phase, config_json, token_usage_json, parent_run_id, created_at, updated_at
		FROM pipeline_runs ORDER BY created_at DESC, id DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}

// CreateAmendmentRun creates a new running run that amends parent.
// The caller copies forward whatever parent decisions the amendment's
// skipped phases need; this only establishes the lineage row.
func (s *Store) CreateAmendmentRun(parentID, methodology, configJSON string) (*PipelineRun, error) {
	parent, err := s.GetPipelineRun(parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("amendment parent %s not found", parentID)
	}

	run := &PipelineRun{
		Methodology: methodology,
		ConfigJSON:  configJSON,
		ParentRunID: &parent.ID,
	}
	if run.Methodology == "" {
		run.Methodology = parent.Methodology
	}
	if err := s.CreatePipelineRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

// scanRun scans one pipeline run row.
func scanRun(row scanner) (*PipelineRun, error) {
	var run PipelineRun
	var tokenUsage, parentRunID sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&run.ID, &run.Methodology, &run.Status, &run.CurrentPhase, &run.ConfigJSON,
		&tokenUsage, &parentRunID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if tokenUsage.Valid {
		run.TokenUsageJSON = tokenUsage.String
	}
	if parentRunID.Valid && parentRunID.String != "" {
		run.ParentRunID = &parentRunID.String
	}
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		run.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		run.UpdatedAt = ts
	}

	return &run, nil
}
