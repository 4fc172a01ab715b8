package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"remotenode/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

// Summary aggregates every report recorded for one task.
type Summary struct {
	TaskID         string      `json:"task_id"`
	LastStatus     core.Status `json:"last_status"`
	LastReportedAt time.Time   `json:"last_reported_at"`
	OK             int         `json:"ok"`
	Warning        int         `json:"warning"`
	Critical       int         `json:"critical"`
	Invalid        int         `json:"invalid"`
}

func upsertSummary(ctx context.Context, tx *sql.Tx, taskID string, status core.Status, at string) error {
	var okInc, warnInc, critInc, invInc int
	switch status {
	case core.StatusOK:
		okInc = 1
	case core.StatusWarning:
		warnInc = 1
	case core.StatusCritical:
		critInc = 1
	default:
		invInc = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_summary (task_id, last_status, last_reported_at, ok_count, warning_count, critical_count, invalid_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			last_status = excluded.last_status,
			last_reported_at = excluded.last_reported_at,
			ok_count = ok_count + excluded.ok_count,
			warning_count = warning_count + excluded.warning_count,
			critical_count = critical_count + excluded.critical_count,
			invalid_count = invalid_count + excluded.invalid_count
	`, taskID, status.String(), at, okInc, warnInc, critInc, invInc)
	if err != nil {
		return fmt.Errorf("upsert task summary: %w", err)
	}
	return nil
}

// GetSummary returns the summary of one task.
func (s *Store) GetSummary(ctx context.Context, taskID string) (*Summary, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT task_id, last_status, last_reported_at, ok_count, warning_count, critical_count, invalid_count
		FROM task_summary WHERE task_id = ?
	`, taskID)
	summary, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return summary, nil
}

// ListSummaries returns every task summary ordered by task id.
func (s *Store) ListSummaries(ctx context.Context) ([]*Summary, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_id, last_status, last_reported_at, ok_count, warning_count, critical_count, invalid_count
		FROM task_summary
		ORDER BY task_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query task summaries: %w", err)
	}
	defer rows.Close()
	summaries := []*Summary{}
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func scanSummary(scanner interface {
	Scan(dest ...any) error
}) (*Summary, error) {
	var (
		summary    Summary
		lastStatus string
		reportedAt string
	)
	if err := scanner.Scan(&summary.TaskID, &lastStatus, &reportedAt,
		&summary.OK, &summary.Warning, &summary.Critical, &summary.Invalid); err != nil {
		return nil, fmt.Errorf("scan task summary: %w", err)
	}
	summary.LastStatus = core.ParseStatus(lastStatus)
	if t, err := time.Parse(time.RFC3339Nano, reportedAt); err == nil {
		summary.LastReportedAt = t
	}
	return &summary, nil
}
