package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RegisterArtifact writes an artifact, replacing any earlier content for
// the same (run, phase, type). Re-registration after a retry is safe.
func (s *Store) RegisterArtifact(a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.Exec(`
		INSERT INTO artifacts (id, pipeline_run_id, phase, artifact_type, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_run_id, phase, artifact_type) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at
	`, a.ID, a.PipelineRunID, a.Phase, a.Type, a.Content,
		a.CreatedAt.Format(time.RFC3339), a.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("register artifact: %w", err)
	}
	return nil
}

// GetArtifactByType retrieves one artifact. Returns (nil, nil) when absent.
func (s *Store) GetArtifactByType(runID, phase, artifactType string) (*Artifact, error) {
	row := s.QueryRow(`
		SELECT id, pipeline_run_id, phase, artifact_type, content, created_at, updated_at
		FROM artifacts WHERE pipeline_run_id = ? AND phase = ? AND artifact_type = ?
	`, runID, phase, artifactType)

	a, err := scanArtifact(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get artifact %s/%s: %w", phase, artifactType, err)
	}
	return a, nil
}

// GetArtifactsByRun returns all artifacts a run produced, in phase order.
func (s *Store) GetArtifactsByRun(runID string) ([]Artifact, error) {
	rows, err := s.Query(`
		SELECT id, pipeline_run_id, phase, artifact_type, content, created_at, updated_at
		FROM artifacts WHERE pipeline_run_id = ?
		ORDER BY CASE phase
			WHEN 'analysis' THEN 0
			WHEN 'planning' THEN 1
			WHEN 'solutioning' THEN 2
			WHEN 'implementation' THEN 3
			ELSE 4 END, artifact_type
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}

	return artifacts, nil
}

func scanArtifact(row scanner) (*Artifact, error) {
	var a Artifact
	var createdAt, updatedAt string

	if err := row.Scan(&a.ID, &a.PipelineRunID, &a.Phase, &a.Type, &a.Content, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		a.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		a.UpdatedAt = ts
	}

	return &a, nil
}
