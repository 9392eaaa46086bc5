package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bigr-shield/sentinel/internal/control"
	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/remediation"
)

// AgentByTokenHash implements control.AgentStore.
func (s *Store) AgentByTokenHash(ctx context.Context, tokenHash string) (*control.Agent, error) {
	row := s.queryRow(ctx, `SELECT id, site, name, is_active FROM agents WHERE token_hash = ?`, tokenHash)
	var a control.Agent
	var active int
	if err := row.Scan(&a.ID, &a.SiteID, &a.Hostname, &active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan agent by token hash: %w", err)
	}
	a.Active = active != 0
	return &a, nil
}

// SetTokenHash implements control.AgentStore.
func (s *Store) SetTokenHash(ctx context.Context, agentID, tokenHash string) error {
	res, err := s.exec(ctx, `UPDATE agents SET token_hash = ? WHERE id = ?`, tokenHash, agentID)
	if err != nil {
		return fmt.Errorf("update token hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s not found", agentID)
	}
	return nil
}

// RegisterAgent implements control.RegistrationStore.
func (s *Store) RegisterAgent(ctx context.Context, siteID, hostname, tokenHash string) (*control.Agent, error) {
	id := idgen.UUID()
	now := formatTime(time.Now().UTC())
	_, err := s.exec(ctx, `
		INSERT INTO agents (id, name, site, registered_at, is_active, status, token_hash)
		VALUES (?, ?, ?, ?, 1, 'offline', ?)
	`, id, hostname, siteID, now, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return &control.Agent{ID: id, SiteID: siteID, Hostname: hostname, Active: true}, nil
}

// Heartbeat implements control.RegistrationStore.
func (s *Store) Heartbeat(ctx context.Context, agentID string, reportedAt time.Time) error {
	res, err := s.exec(ctx, `UPDATE agents SET last_seen = ?, status = 'online' WHERE id = ?`,
		formatTime(reportedAt), agentID)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s not found", agentID)
	}
	return nil
}

// ListAgents implements control.RegistrationStore. An empty siteID
// lists every agent.
func (s *Store) ListAgents(ctx context.Context, siteID string) ([]control.Agent, error) {
	query := `SELECT id, site, name, is_active FROM agents`
	args := []interface{}{}
	if siteID != "" {
		query += ` WHERE site = ?`
		args = append(args, siteID)
	}
	query += ` ORDER BY name`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []control.Agent
	for rows.Next() {
		var a control.Agent
		var active int
		if err := rows.Scan(&a.ID, &a.SiteID, &a.Hostname, &active); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Active = active != 0
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ActiveAgents implements remediation.AgentLister.
func (s *Store) ActiveAgents(ctx context.Context) ([]remediation.MonitoredAgent, error) {
	rows, err := s.query(ctx, `SELECT id, name, last_seen FROM agents WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	defer rows.Close()

	var agents []remediation.MonitoredAgent
	for rows.Next() {
		agent, err := scanMonitoredAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// AgentByID implements remediation.AgentLister.
func (s *Store) AgentByID(ctx context.Context, id string) (remediation.MonitoredAgent, bool, error) {
	row := s.queryRow(ctx, `SELECT id, name, last_seen FROM agents WHERE id = ?`, id)
	var name string
	var agentID string
	var lastSeen sql.NullString
	if err := row.Scan(&agentID, &name, &lastSeen); err != nil {
		if err == sql.ErrNoRows {
			return remediation.MonitoredAgent{}, false, nil
		}
		return remediation.MonitoredAgent{}, false, fmt.Errorf("scan agent %s: %w", id, err)
	}
	agent := remediation.MonitoredAgent{ID: agentID, Name: name}
	if lastSeen.Valid && lastSeen.String != "" {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return remediation.MonitoredAgent{}, false, fmt.Errorf("parse last_seen: %w", err)
		}
		agent.LastSeen = &t
	}
	return agent, true, nil
}

func scanMonitoredAgent(rows *sql.Rows) (remediation.MonitoredAgent, error) {
	var id, name string
	var lastSeen sql.NullString
	if err := rows.Scan(&id, &name, &lastSeen); err != nil {
		return remediation.MonitoredAgent{}, fmt.Errorf("scan agent: %w", err)
	}
	agent := remediation.MonitoredAgent{ID: id, Name: name}
	if lastSeen.Valid && lastSeen.String != "" {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return remediation.MonitoredAgent{}, fmt.Errorf("parse last_seen: %w", err)
		}
		agent.LastSeen = &t
	}
	return agent, nil
}
