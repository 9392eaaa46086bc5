package store

import (
	"context"
	"strings"
)

// migrate creates every table spec.md §3 names if it doesn't already
// exist. Timestamps are stored as RFC 3339 text and booleans as 0/1
// integers so the same statements run against SQLite and Postgres; the
// only rewrite is SQLite's AUTOINCREMENT id, which becomes BIGSERIAL
// on Postgres.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			site TEXT NOT NULL DEFAULT '',
			registered_at TEXT NOT NULL,
			last_seen TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'offline',
			agent_version TEXT NOT NULL DEFAULT '',
			subnets TEXT NOT NULL DEFAULT '[]',
			token_hash TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			completed_at TEXT,
			total_assets INTEGER NOT NULL DEFAULT 0,
			agent_id TEXT,
			site TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL,
			mac TEXT,
			hostname TEXT NOT NULL DEFAULT '',
			vendor TEXT NOT NULL DEFAULT '',
			os_hint TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			scan_method TEXT NOT NULL DEFAULT '',
			override_category TEXT,
			override_note TEXT,
			is_ignored INTEGER NOT NULL DEFAULT 0,
			switch_host TEXT,
			switch_port TEXT,
			switch_port_index INTEGER,
			agent_id TEXT,
			site TEXT NOT NULL DEFAULT '',
			UNIQUE (ip, mac)
		);`,
		`CREATE TABLE IF NOT EXISTS scan_assets (
			scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
			asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
			open_ports TEXT NOT NULL DEFAULT '[]',
			confidence REAL NOT NULL DEFAULT 0,
			category TEXT NOT NULL DEFAULT '',
			evidence TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (scan_id, asset_id)
		);`,
		`CREATE TABLE IF NOT EXISTS asset_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id TEXT NOT NULL,
			scan_id TEXT,
			change_type TEXT NOT NULL,
			field_name TEXT,
			old_value TEXT,
			new_value TEXT,
			detected_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS subnets (
			cidr TEXT PRIMARY KEY,
			site TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS switches (
			host TEXT PRIMARY KEY,
			vendor TEXT NOT NULL DEFAULT '',
			site TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS certificates (
			target TEXT PRIMARY KEY,
			issuer TEXT NOT NULL DEFAULT '',
			not_after TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS shield_scans (
			id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			target_type TEXT NOT NULL,
			depth TEXT NOT NULL,
			sensitivity TEXT NOT NULL,
			modules_enabled TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			total_checks INTEGER NOT NULL DEFAULT 0,
			passed_checks INTEGER NOT NULL DEFAULT 0,
			failed_checks INTEGER NOT NULL DEFAULT 0,
			warning_checks INTEGER NOT NULL DEFAULT 0,
			shield_score REAL NOT NULL DEFAULT 0,
			grade TEXT NOT NULL DEFAULT '',
			module_scores TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS shield_findings (
			id TEXT PRIMARY KEY,
			scan_id TEXT NOT NULL REFERENCES shield_scans(id) ON DELETE CASCADE,
			module TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			remediation TEXT NOT NULL DEFAULT '',
			target_ip TEXT NOT NULL DEFAULT '',
			target_port INTEGER,
			evidence TEXT NOT NULL DEFAULT '{}',
			mitre_technique TEXT,
			mitre_tactic TEXT,
			cve_id TEXT,
			cvss REAL,
			epss REAL,
			in_kev INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS agent_commands (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			command_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			acked_at TEXT,
			finished_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS firewall_rules (
			id TEXT PRIMARY KEY,
			rule_type TEXT NOT NULL,
			target TEXT NOT NULL,
			direction TEXT NOT NULL DEFAULT 'both',
			protocol TEXT NOT NULL DEFAULT 'any',
			source TEXT NOT NULL DEFAULT 'user',
			reason TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			expires_at TEXT,
			hit_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS firewall_events (
			id TEXT PRIMARY KEY,
			agent_id TEXT,
			dest_ip TEXT NOT NULL,
			dest_port INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			domain TEXT,
			direction TEXT NOT NULL,
			decision TEXT NOT NULL,
			rule_id TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS collective_signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subnet_hash TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			severity REAL NOT NULL,
			agent_hash TEXT NOT NULL,
			reported_at TEXT NOT NULL,
			is_noised INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS remediation_history (
			id TEXT PRIMARY KEY,
			asset_ip TEXT NOT NULL,
			action_type TEXT NOT NULL,
			title TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			created_at TEXT NOT NULL,
			executed_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS threat_indicators (
			id TEXT PRIMARY KEY,
			subnet_prefix TEXT NOT NULL,
			threat_score REAL NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if s.dialect == DialectPostgres {
			stmt = strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
