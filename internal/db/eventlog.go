package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventRecord is a persisted copy of one bus event, kept for replay
// and timeline reconstruction after the process exits.
type EventRecord struct {
	ID            int64
	PipelineRunID string
	StoryKey      string
	EventType     string
	Payload       string
	CreatedAt     time.Time
}

// AppendEvent inserts a single event record.
func (s *Store) AppendEvent(e *EventRecord) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var storyKey *string
	if e.StoryKey != "" {
		storyKey = &e.StoryKey
	}

	result, err := s.Exec(`
		INSERT INTO event_log (pipeline_run_id, story_key, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.PipelineRunID, storyKey, e.EventType, e.Payload, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// AppendEvents inserts a batch of event records in a single transaction.
func (s *Store) AppendEvents(events []*EventRecord) error {
	if len(events) == 0 {
		return nil
	}

	return s.RunInTx(context.Background(), func(tx *TxOps) error {
		for _, e := range events {
			if e.CreatedAt.IsZero() {
				e.CreatedAt = time.Now().UTC()
			}

			var storyKey *string
			if e.StoryKey != "" {
				storyKey = &e.StoryKey
			}

			result, err := tx.Exec(`
				INSERT INTO event_log (pipeline_run_id, story_key, event_type, payload, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, e.PipelineRunID, storyKey, e.EventType, e.Payload, e.CreatedAt.Format(time.RFC3339Nano))
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			if id, err := result.LastInsertId(); err == nil {
				e.ID = id
			}
		}
		return nil
	})
}

// GetEventsByRun returns a run's persisted events in append order.
func (s *Store) GetEventsByRun(runID string) ([]EventRecord, error) {
	return s.GetEventsByRunAfter(runID, 0)
}

// GetEventsByRunAfter returns a run's events with ID greater than afterID,
// in append order. Used by followers polling for new events.
func (s *Store) GetEventsByRunAfter(runID string, afterID int64) ([]EventRecord, error) {
	rows, err := s.Query(`
		SELECT id, pipeline_run_id, story_key, event_type, payload, created_at
		FROM event_log WHERE pipeline_run_id = ? AND id > ?
		ORDER BY id
	`, runID, afterID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var storyKey, payload sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.PipelineRunID, &storyKey, &e.EventType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		if storyKey.Valid {
			e.StoryKey = storyKey.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = ts
		}

		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}
