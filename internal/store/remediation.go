package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/remediation"
)

// RecordExecution implements remediation.HistoryStore.
func (s *Store) RecordExecution(ctx context.Context, entry remediation.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = idgen.UUID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var executed interface{}
	if entry.ExecutedAt != nil {
		executed = formatTime(*entry.ExecutedAt)
	}
	_, err := s.exec(ctx, `
		INSERT INTO remediation_history (id, asset_ip, action_type, title, severity, status, result, created_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.AssetIP, entry.ActionType, entry.Title, entry.Severity, entry.Status,
		nullableString(entry.Result), formatTime(entry.CreatedAt), executed)
	if err != nil {
		return fmt.Errorf("record remediation execution: %w", err)
	}
	return nil
}

// History implements remediation.HistoryStore.
func (s *Store) History(ctx context.Context, limit int) ([]remediation.HistoryEntry, error) {
	rows, err := s.query(ctx, `
		SELECT id, asset_ip, action_type, title, severity, status, result, created_at, executed_at
		FROM remediation_history
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list remediation history: %w", err)
	}
	defer rows.Close()

	var out []remediation.HistoryEntry
	for rows.Next() {
		var e remediation.HistoryEntry
		var result sql.NullString
		var createdAt string
		var executedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.AssetIP, &e.ActionType, &e.Title, &e.Severity, &e.Status, &result, &createdAt, &executedAt); err != nil {
			return nil, fmt.Errorf("scan remediation history entry: %w", err)
		}
		e.Result = result.String
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse history created_at: %w", err)
		}
		e.CreatedAt = t
		if executedAt.Valid && executedAt.String != "" {
			t, err := parseTime(executedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse history executed_at: %w", err)
			}
			e.ExecutedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
