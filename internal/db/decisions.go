package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateDecision inserts a decision. Fails if the (run, phase, category, key)
// coordinates already exist; use UpsertDecision for idempotent writes.
func (s *Store) CreateDecision(d *Decision) error {
	applyDecisionDefaults(d)

	_, err := s.Exec(`
		INSERT INTO decisions (id, pipeline_run_id, phase, category, key, value, rationale, status, superseded_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.PipelineRunID, d.Phase, d.Category, d.Key, d.Value, d.Rationale, d.Status, d.SupersededBy,
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create decision: %w", err)
	}
	return nil
}

// UpsertDecision writes a decision idempotently. A second write to the same
// (run, phase, category, key) updates value, rationale, and updated_at in
// place; the stored row keeps its original ID, which is written back to d.
func (s *Store) UpsertDecision(d *Decision) error {
	applyDecisionDefaults(d)

	_, err := s.Exec(`
		INSERT INTO decisions (id, pipeline_run_id, phase, category, key, value, rationale, status, superseded_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_run_id, phase, category, key) DO UPDATE SET
			value = excluded.value,
			rationale = excluded.rationale,
			status = excluded.status,
			superseded_by = excluded.superseded_by,
			updated_at = excluded.updated_at
	`, d.ID, d.PipelineRunID, d.Phase, d.Category, d.Key, d.Value, d.Rationale, d.Status, d.SupersededBy,
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert decision: %w", err)
	}

	// Read back the durable ID in case the row predates this write.
	row := s.QueryRow(`
		SELECT id, created_at FROM decisions
		WHERE pipeline_run_id = ? AND phase = ? AND category = ? AND key = ?
	`, d.PipelineRunID, d.Phase, d.Category, d.Key)
	var createdAt string
	if err := row.Scan(&d.ID, &createdAt); err != nil {
		return fmt.Errorf("read back decision: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		d.CreatedAt = ts
	}
	return nil
}

// SupersedeDecision marks a decision superseded by a newer one.
// The superseded row keeps its value; superseded_by records the successor.
func (s *Store) SupersedeDecision(oldID, newID string) error {
	res, err := s.Exec(`
		UPDATE decisions
		SET status = ?, superseded_by = ?, updated_at = ?
		WHERE id = ?
	`, DecisionSuperseded, newID, time.Now().UTC().Format(time.RFC3339), oldID)
	if err != nil {
		return fmt.Errorf("supersede decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("supersede decision: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("supersede decision: %s not found", oldID)
	}
	return nil
}

// GetDecision retrieves a decision by ID. Returns (nil, nil) when absent.
func (s *Store) GetDecision(id string) (*Decision, error) {
	row := s.QueryRow(decisionSelect+` WHERE id = ?`, id)

	d, err := scanDecision(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get decision %s: %w", id, err)
	}
	return d, nil
}

// GetDecisionsByPhase returns every decision a phase produced for a run,
// regardless of status, ordered by category then key.
func (s *Store) GetDecisionsByPhase(runID, phase string) ([]Decision, error) {
	rows, err := s.Query(decisionSelect+`
		WHERE pipeline_run_id = ? AND phase = ?
		ORDER BY category, key
	`, runID, phase)
	if err != nil {
		return nil, fmt.Errorf("get decisions by phase: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectDecisions(rows)
}

// GetActiveDecisions returns all active decisions for a run, ordered by
// phase position, then category, then key.
func (s *Store) GetActiveDecisions(runID string) ([]Decision, error) {
	rows, err := s.Query(decisionSelect+`
		WHERE pipeline_run_id = ? AND status = ?
		ORDER BY CASE phase
			WHEN 'analysis' THEN 0
			WHEN 'planning' THEN 1
			WHEN 'solutioning' THEN 2
			WHEN 'implementation' THEN 3
			ELSE 4 END, category, key
	`, runID, DecisionActive)
	if err != nil {
		return nil, fmt.Errorf("get active decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectDecisions(rows)
}

// GetActiveDecisionsByPhase returns the active decisions one phase produced.
func (s *Store) GetActiveDecisionsByPhase(runID, phase string) ([]Decision, error) {
	rows, err := s.Query(decisionSelect+`
		WHERE pipeline_run_id = ? AND phase = ? AND status = ?
		ORDER BY category, key
	`, runID, phase, DecisionActive)
	if err != nil {
		return nil, fmt.Errorf("get active decisions by phase: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectDecisions(rows)
}

// GetDecisionsByCategory returns a phase's decisions in one category.
func (s *Store) GetDecisionsByCategory(runID, phase, category string) ([]Decision, error) {
	rows, err := s.Query(decisionSelect+`
		WHERE pipeline_run_id = ? AND phase = ? AND category = ?
		ORDER BY key
	`, runID, phase, category)
	if err != nil {
		return nil, fmt.Errorf("get decisions by category: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectDecisions(rows)
}

// CopyDecisionsForPhases copies the parent run's active decisions for the
// given phases into a child run, with fresh IDs. Used when an amendment
// starts mid-pipeline and earlier phases will not re-execute.
func (s *Store) CopyDecisionsForPhases(parentID, childID string, phases []string) (int, error) {
	if len(phases) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(phases))
	args := []any{parentID, DecisionActive}
	for i, p := range phases {
		placeholders[i] = "?"
		args = append(args, p)
	}

	rows, err := s.Query(decisionSelect+`
		WHERE pipeline_run_id = ? AND status = ? AND phase IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("read parent decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	decisions, err := collectDecisions(rows)
	if err != nil {
		return 0, err
	}

	for i := range decisions {
		d := decisions[i]
		d.ID = ""
		d.PipelineRunID = childID
		d.SupersededBy = nil
		d.CreatedAt = time.Time{}
		if err := s.CreateDecision(&d); err != nil {
			return 0, err
		}
	}
	return len(decisions), nil
}

const decisionSelect = `
	SELECT id, pipeline_run_id, phase, category, key, value, rationale, status, superseded_by, created_at, updated_at
	FROM decisions`

func applyDecisionDefaults(d *Decision) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DecisionActive
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
}

func scanDecision(row scanner) (*Decision, error) {
	var d Decision
	var rationale, supersededBy sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&d.ID, &d.PipelineRunID, &d.Phase, &d.Category, &d.Key, &d.Value,
		&rationale, &d.Status, &supersededBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if rationale.Valid {
		d.Rationale = rationale.String
	}
	if supersededBy.Valid && supersededBy.String != "" {
		d.SupersededBy = &supersededBy.String
	}
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		d.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		d.UpdatedAt = ts
	}

	return &d, nil
}

func collectDecisions(rows *sql.Rows) ([]Decision, error) {
	var decisions []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return decisions, nil
}
