package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"remotenode/internal/core"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Report is one recorded task outcome.
type Report struct {
	ID        int64       `json:"id"`
	TaskID    string      `json:"task_id"`
	Status    core.Status `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// RecordStatus stores a report, updates the task summary and prunes reports
// beyond the retention limit, all in one transaction.
func (s *Store) RecordStatus(ctx context.Context, taskID string, status core.Status) error {
	at := s.now().UTC().Format(timeLayout)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin report: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reports (task_id, status, created_at)
		VALUES (?, ?, ?)
	`, taskID, status.String(), at); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	if err := upsertSummary(ctx, tx, taskID, status, at); err != nil {
		return err
	}
	if err := pruneReports(ctx, tx, taskID, s.Retention); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	return nil
}

// ListReports returns a task's reports, newest first.
func (s *Store) ListReports(ctx context.Context, taskID string, limit, offset int) ([]*Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, status, created_at
		FROM reports
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()
	reports := []*Report{}
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reports, nil
}

func pruneReports(ctx context.Context, tx *sql.Tx, taskID string, keep int) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM reports
		WHERE task_id = ? AND id NOT IN (
			SELECT id FROM reports
			WHERE task_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, taskID, taskID, keep)
	if err != nil {
		return fmt.Errorf("prune reports: %w", err)
	}
	return nil
}

func scanReport(scanner interface {
	Scan(dest ...any) error
}) (*Report, error) {
	var (
		report    Report
		status    string
		createdAt string
	)
	if err := scanner.Scan(&report.ID, &report.TaskID, &status, &createdAt); err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	report.Status = core.ParseStatus(status)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid stored time %q: %w", createdAt, err)
	}
	report.CreatedAt = t
	return &report, nil
}
