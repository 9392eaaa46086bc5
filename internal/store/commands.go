package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bigr-shield/sentinel/internal/control"
)

// EnqueueCommand implements control.CommandStore.
func (s *Store) EnqueueCommand(ctx context.Context, cmd *control.AgentCommand) error {
	payloadJSON, err := json.Marshal(cmd.Payload)
	if err != nil {
		return fmt.Errorf("marshal command payload: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO agent_commands (id, agent_id, command_type, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.AgentID, string(cmd.Type), string(payloadJSON), string(cmd.Status), formatTime(cmd.CreatedAt))
	if err != nil {
		return fmt.Errorf("enqueue command: %w", err)
	}
	return nil
}

// PendingCommands implements control.CommandStore: every command an
// agent has not yet been told about (pending) or has acked but not
// finished (ack, running) — so a reconnecting agent sees in-flight work.
func (s *Store) PendingCommands(ctx context.Context, agentID string) ([]control.AgentCommand, error) {
	rows, err := s.query(ctx, `
		SELECT id, agent_id, command_type, payload, status, result, error, created_at, acked_at, finished_at
		FROM agent_commands
		WHERE agent_id = ? AND status IN ('pending', 'ack', 'running')
		ORDER BY created_at
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []control.AgentCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// UpdateCommandStatus implements control.CommandStore.
func (s *Store) UpdateCommandStatus(ctx context.Context, id string, status control.CommandStatus, result map[string]interface{}, errMsg string) error {
	var resultJSON interface{}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal command result: %w", err)
		}
		resultJSON = string(b)
	}

	var acked, finished interface{}
	now := formatTime(time.Now().UTC())
	switch status {
	case control.CommandAck:
		acked = now
	case control.CommandCompleted, control.CommandFailed:
		finished = now
	}

	query := `UPDATE agent_commands SET status = ?, result = COALESCE(?, result), error = ?`
	args := []interface{}{string(status), resultJSON, nullableString(errMsg)}
	if acked != nil {
		query += `, acked_at = ?`
		args = append(args, acked)
	}
	if finished != nil {
		query += `, finished_at = ?`
		args = append(args, finished)
	}
	// Only forward transitions apply: ack is accepted from pending or ack,
	// every later status from any non-terminal one.
	from := `'pending', 'ack', 'running'`
	if status == control.CommandAck {
		from = `'pending', 'ack'`
	}
	query += ` WHERE id = ? AND status IN (` + from + `)`
	args = append(args, id)

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("command %s not found or cannot move to %s", id, status)
	}
	return nil
}

func scanCommand(rows *sql.Rows) (control.AgentCommand, error) {
	var cmd control.AgentCommand
	var typ, status string
	var payloadJSON string
	var resultJSON, errMsg, ackedAt, finishedAt sql.NullString
	var createdAt string

	if err := rows.Scan(&cmd.ID, &cmd.AgentID, &typ, &payloadJSON, &status, &resultJSON, &errMsg, &createdAt, &ackedAt, &finishedAt); err != nil {
		return control.AgentCommand{}, fmt.Errorf("scan command: %w", err)
	}

	cmd.Type = control.CommandType(typ)
	cmd.Status = control.CommandStatus(status)
	cmd.Error = errMsg.String

	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &cmd.Payload); err != nil {
			return control.AgentCommand{}, fmt.Errorf("decode command payload: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &cmd.Result); err != nil {
			return control.AgentCommand{}, fmt.Errorf("decode command result: %w", err)
		}
	}

	created, err := parseTime(createdAt)
	if err != nil {
		return control.AgentCommand{}, fmt.Errorf("parse created_at: %w", err)
	}
	cmd.CreatedAt = created

	if ackedAt.Valid && ackedAt.String != "" {
		t, err := parseTime(ackedAt.String)
		if err != nil {
			return control.AgentCommand{}, fmt.Errorf("parse acked_at: %w", err)
		}
		cmd.AckedAt = &t
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return control.AgentCommand{}, fmt.Errorf("parse finished_at: %w", err)
		}
		cmd.FinishedAt = &t
	}

	return cmd, nil
}
