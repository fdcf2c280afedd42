package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRequirement inserts an extracted requirement.
func (s *Store) CreateRequirement(r *Requirement) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Priority == "" {
		r.Priority = "should"
	}
	if r.Status == "" {
		r.Status = RequirementActive
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.Exec(`
		INSERT INTO requirements (id, pipeline_run_id, source, category, description, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.PipelineRunID, r.Source, r.Category, r.Description, r.Priority, r.Status, r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create requirement: %w", err)
	}
	return nil
}

// GetRequirementsByRun returns a run's requirements in insertion order.
func (s *Store) GetRequirementsByRun(runID string) ([]Requirement, error) {
	rows, err := s.Query(`
		SELECT id, pipeline_run_id, source, category, description, priority, status, created_at
		FROM requirements WHERE pipeline_run_id = ? ORDER BY created_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get requirements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reqs []Requirement
	for rows.Next() {
		var r Requirement
		var createdAt string
		if err := rows.Scan(&r.ID, &r.PipelineRunID, &r.Source, &r.Category, &r.Description, &r.Priority, &r.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan requirement: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			r.CreatedAt = ts
		}
		reqs = append(reqs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requirements: %w", err)
	}

	return reqs, nil
}

// CountRequirementsByCategory returns requirement counts keyed by category.
func (s *Store) CountRequirementsByCategory(runID string) (map[string]int, error) {
	rows, err := s.Query(`
		SELECT category, COUNT(*) FROM requirements
		WHERE pipeline_run_id = ? GROUP BY category
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("count requirements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("scan requirement count: %w", err)
		}
		counts[category] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requirement counts: %w", err)
	}

	return counts, nil
}
