package db

import (
	"fmt"
	"time"
)

// AddTokenUsage appends one usage record. Cost is computed here from the
// token counts so every row carries a consistent dollar figure.
func (s *Store) AddTokenUsage(e *TokenUsageEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.CostUSD = CostUSD(e.InputTokens, e.OutputTokens)

	var metadata *string
	if e.Metadata != "" {
		metadata = &e.Metadata
	}

	result, err := s.Exec(`
		INSERT INTO token_usage (pipeline_run_id, phase, agent, input_tokens, output_tokens, cost_usd, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.PipelineRunID, e.Phase, e.Agent, e.InputTokens, e.OutputTokens, e.CostUSD, metadata,
		e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("add token usage: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// GetTokenUsageSummary aggregates a run's usage by (phase, agent).
func (s *Store) GetTokenUsageSummary(runID string) ([]TokenUsageSummary, error) {
	rows, err := s.Query(`
		SELECT phase, agent, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		FROM token_usage WHERE pipeline_run_id = ?
		GROUP BY phase, agent
		ORDER BY CASE phase
			WHEN 'analysis' THEN 0
			WHEN 'planning' THEN 1
			WHEN 'solutioning' THEN 2
			WHEN 'implementation' THEN 3
			ELSE 4 END, agent
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("token usage summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []TokenUsageSummary
	for rows.Next() {
		var ts TokenUsageSummary
		if err := rows.Scan(&ts.Phase, &ts.Agent, &ts.Calls, &ts.InputTokens, &ts.OutputTokens, &ts.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		summaries = append(summaries, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage summaries: %w", err)
	}

	return summaries, nil
}

// GetTokenUsageTotals returns a run's total tokens and cost.
func (s *Store) GetTokenUsageTotals(runID string) (inputTokens, outputTokens int, costUSD float64, err error) {
	row := s.QueryRow(`
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM token_usage WHERE pipeline_run_id = ?
	`, runID)
	if err = row.Scan(&inputTokens, &outputTokens, &costUSD); err != nil {
		return 0, 0, 0, fmt.Errorf("token usage totals: %w", err)
	}
	return inputTokens, outputTokens, costUSD, nil
}
