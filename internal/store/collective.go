package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bigr-shield/sentinel/internal/collective"
)

// InsertSignal implements collective.SignalStore.
func (s *Store) InsertSignal(ctx context.Context, sig collective.SignalRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO collective_signals (subnet_hash, signal_type, severity, agent_hash, reported_at)
		VALUES (?, ?, ?, ?, ?)
	`, sig.SubnetHash, sig.SignalType, sig.Severity, sig.AgentHash, formatTime(sig.ReportedAt))
	if err != nil {
		return fmt.Errorf("insert collective signal: %w", err)
	}
	return nil
}

// SignalsSince implements collective.SignalStore.
func (s *Store) SignalsSince(ctx context.Context, cutoff time.Time) ([]collective.SignalRecord, error) {
	rows, err := s.query(ctx, `
		SELECT subnet_hash, signal_type, severity, agent_hash, reported_at
		FROM collective_signals
		WHERE reported_at >= ?
	`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list signals since %s: %w", cutoff, err)
	}
	defer rows.Close()

	var out []collective.SignalRecord
	for rows.Next() {
		var rec collective.SignalRecord
		var reportedAt string
		if err := rows.Scan(&rec.SubnetHash, &rec.SignalType, &rec.Severity, &rec.AgentHash, &reportedAt); err != nil {
			return nil, fmt.Errorf("scan collective signal: %w", err)
		}
		t, err := parseTime(reportedAt)
		if err != nil {
			return nil, fmt.Errorf("parse signal reported_at: %w", err)
		}
		rec.ReportedAt = t
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SignalCountByAgent implements collective.SignalStore.
func (s *Store) SignalCountByAgent(ctx context.Context, agentHash string) (int, error) {
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM collective_signals WHERE agent_hash = ?`, agentHash)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count signals for agent: %w", err)
	}
	return n, nil
}

// DeleteOlderThan implements collective.SignalStore.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM collective_signals WHERE reported_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired signals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted signals: %w", err)
	}
	return int(n), nil
}
