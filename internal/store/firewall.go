package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bigr-shield/sentinel/internal/firewall"
	"github.com/bigr-shield/sentinel/internal/idgen"
)

// UpsertRule implements firewall.RuleStore.
func (s *Store) UpsertRule(ctx context.Context, r firewall.Rule) error {
	var expires interface{}
	if r.ExpiresAt != nil {
		expires = formatTime(*r.ExpiresAt)
	}
	_, err := s.exec(ctx, `
		INSERT INTO firewall_rules (id, rule_type, target, source, reason, is_active, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			rule_type = excluded.rule_type, target = excluded.target, source = excluded.source,
			reason = excluded.reason, is_active = excluded.is_active, expires_at = excluded.expires_at
	`, r.ID, string(r.Type), r.Target, r.Source, r.Reason, boolToInt(r.IsActive), formatTime(r.CreatedAt), expires)
	if err != nil {
		return fmt.Errorf("upsert firewall rule %s: %w", r.ID, err)
	}
	return nil
}

// RuleExists implements firewall.RuleStore: used by the high-risk-port
// sync to skip ports a prior sync already created a rule for.
func (s *Store) RuleExists(ctx context.Context, typ firewall.RuleType, target, source string) (bool, error) {
	row := s.queryRow(ctx, `SELECT 1 FROM firewall_rules WHERE rule_type = ? AND target = ? AND source = ? LIMIT 1`,
		string(typ), target, source)
	var x int
	if err := row.Scan(&x); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check rule existence: %w", err)
	}
	return true, nil
}

// ActiveRules implements firewall.RuleStore: rules that are both marked
// active and not yet expired, for loading into the in-memory engine.
func (s *Store) ActiveRules(ctx context.Context) ([]firewall.Rule, error) {
	rows, err := s.query(ctx, `
		SELECT id, rule_type, target, source, reason, is_active, created_at, expires_at
		FROM firewall_rules
		WHERE is_active = 1 AND (expires_at IS NULL OR expires_at > ?)
	`, formatTime(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()

	var rules []firewall.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanRule(rows *sql.Rows) (firewall.Rule, error) {
	var r firewall.Rule
	var typ string
	var active int
	var createdAt string
	var expiresAt sql.NullString

	if err := rows.Scan(&r.ID, &typ, &r.Target, &r.Source, &r.Reason, &active, &createdAt, &expiresAt); err != nil {
		return firewall.Rule{}, fmt.Errorf("scan firewall rule: %w", err)
	}
	r.Type = firewall.RuleType(typ)
	r.IsActive = active != 0

	created, err := parseTime(createdAt)
	if err != nil {
		return firewall.Rule{}, fmt.Errorf("parse rule created_at: %w", err)
	}
	r.CreatedAt = created

	if expiresAt.Valid && expiresAt.String != "" {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return firewall.Rule{}, fmt.Errorf("parse rule expires_at: %w", err)
		}
		r.ExpiresAt = &t
	}
	return r, nil
}

// DeactivateRule implements firewall.RuleStore: flips is_active off
// without touching any other column, so a delete can never blank out
// a rule's type/target/source the way a naive re-upsert would.
func (s *Store) DeactivateRule(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE firewall_rules SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate firewall rule %s: %w", id, err)
	}
	return nil
}

// LogFirewallEvent appends one evaluate() decision to the audit trail.
func (s *Store) LogFirewallEvent(ctx context.Context, ev firewall.Event) error {
	if ev.ID == "" {
		ev.ID = idgen.UUID()
	}
	_, err := s.exec(ctx, `
		INSERT INTO firewall_events (id, agent_id, dest_ip, dest_port, protocol, domain, direction, decision, rule_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, nullableString(ev.AgentID), ev.DestIP, ev.DestPort, ev.Protocol, nullableString(ev.Domain),
		ev.Direction, string(ev.Decision), nullableString(ev.RuleID), formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("log firewall event: %w", err)
	}
	return nil
}

// RecentFirewallEvents returns the most recent audit entries, newest first.
func (s *Store) RecentFirewallEvents(ctx context.Context, limit int) ([]firewall.Event, error) {
	rows, err := s.query(ctx, `
		SELECT id, agent_id, dest_ip, dest_port, protocol, domain, direction, decision, rule_id, created_at
		FROM firewall_events
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list firewall events: %w", err)
	}
	defer rows.Close()

	var events []firewall.Event
	for rows.Next() {
		var ev firewall.Event
		var agentID, domain, ruleID sql.NullString
		var decision, createdAt string
		if err := rows.Scan(&ev.ID, &agentID, &ev.DestIP, &ev.DestPort, &ev.Protocol, &domain, &ev.Direction, &decision, &ruleID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan firewall event: %w", err)
		}
		ev.AgentID = agentID.String
		ev.Domain = domain.String
		ev.RuleID = ruleID.String
		ev.Decision = firewall.Decision(decision)
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse event created_at: %w", err)
		}
		ev.CreatedAt = t
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ThreatIndicators loads the threat_indicators table for firewall.Service.SyncThreatRules.
func (s *Store) ThreatIndicators(ctx context.Context) ([]firewall.ThreatIndicator, error) {
	rows, err := s.query(ctx, `SELECT id, subnet_prefix, threat_score FROM threat_indicators`)
	if err != nil {
		return nil, fmt.Errorf("list threat indicators: %w", err)
	}
	defer rows.Close()

	var out []firewall.ThreatIndicator
	for rows.Next() {
		var ind firewall.ThreatIndicator
		if err := rows.Scan(&ind.ID, &ind.SubnetPrefix, &ind.ThreatScore); err != nil {
			return nil, fmt.Errorf("scan threat indicator: %w", err)
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}
