package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
)

// Scan is a discovery sweep record (spec.md §3).
type Scan struct {
	ID           string
	Target       string
	Method       string
	StartedAt    time.Time
	CompletedAt  *time.Time
	TotalAssets  int
	AgentID      string
	Site         string
}

// Asset is a discovered device, unique on (ip, mac).
type Asset struct {
	ID               string
	IP               string
	MAC              string
	Hostname         string
	Vendor           string
	OSHint           string
	Category         string
	Confidence       float64
	ScanMethod       string
	FirstSeen        time.Time
	LastSeen         time.Time
	OverrideCategory string
	OverrideNote     string
	IsIgnored        bool
	AgentID          string
	Site             string
}

// ScanAsset is the per-scan snapshot of one asset.
type ScanAsset struct {
	ScanID     string
	AssetID    string
	OpenPorts  []int
	Confidence float64
	Category   string
	Evidence   map[string]interface{}
}

// CreateScan inserts a new Scan row.
func (s *Store) CreateScan(ctx context.Context, sc Scan) (string, error) {
	if sc.ID == "" {
		sc.ID = idgen.UUID()
	}
	var completed interface{}
	if sc.CompletedAt != nil {
		completed = formatTime(*sc.CompletedAt)
	}
	_, err := s.exec(ctx, `
		INSERT INTO scans (id, target, method, started_at, completed_at, total_assets, agent_id, site)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sc.ID, sc.Target, sc.Method, formatTime(sc.StartedAt), completed, sc.TotalAssets, nullableString(sc.AgentID), sc.Site)
	if err != nil {
		return "", fmt.Errorf("insert scan: %w", err)
	}
	return sc.ID, nil
}

// CompleteScan marks a scan finished with its final asset count.
func (s *Store) CompleteScan(ctx context.Context, scanID string, totalAssets int) error {
	_, err := s.exec(ctx, `UPDATE scans SET completed_at = ?, total_assets = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), totalAssets, scanID)
	if err != nil {
		return fmt.Errorf("complete scan %s: %w", scanID, err)
	}
	return nil
}

// UpsertAsset inserts or updates the asset identified by (ip, mac),
// recording an AssetChange row for every field that actually mutated
// (spec.md §3's "field changes emit an AssetChange event" invariant).
func (s *Store) UpsertAsset(ctx context.Context, scanID string, a Asset) (string, error) {
	row := s.queryRow(ctx, `SELECT id, hostname, vendor, os_hint, category, confidence, scan_method FROM assets WHERE ip = ? AND COALESCE(mac, '') = ?`,
		a.IP, a.MAC)

	var existingID, hostname, vendor, osHint, category, scanMethod string
	var confidence float64
	err := row.Scan(&existingID, &hostname, &vendor, &osHint, &category, &confidence, &scanMethod)

	now := time.Now().UTC()
	if err == sql.ErrNoRows {
		id := idgen.UUID()
		_, err := s.exec(ctx, `
			INSERT INTO assets (id, ip, mac, hostname, vendor, os_hint, category, confidence, scan_method, first_seen, last_seen, agent_id, site)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, a.IP, nullableString(a.MAC), a.Hostname, a.Vendor, a.OSHint, a.Category, a.Confidence, a.ScanMethod,
			formatTime(now), formatTime(now), nullableString(a.AgentID), a.Site)
		if err != nil {
			return "", fmt.Errorf("insert asset: %w", err)
		}
		if err := s.recordAssetChange(ctx, id, scanID, "new_asset", "", "", ""); err != nil {
			return "", err
		}
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup asset %s: %w", a.IP, err)
	}

	for _, fc := range []struct{ field, oldV, newV string }{
		{"hostname", hostname, a.Hostname},
		{"vendor", vendor, a.Vendor},
		{"os_hint", osHint, a.OSHint},
		{"bigr_category", category, a.Category},
		{"confidence_score", formatConfidence(confidence), formatConfidence(a.Confidence)},
		{"scan_method", scanMethod, a.ScanMethod},
	} {
		if fc.newV != "" && fc.newV != fc.oldV {
			if err := s.recordAssetChange(ctx, existingID, scanID, "field_changed", fc.field, fc.oldV, fc.newV); err != nil {
				return "", err
			}
		}
	}

	_, err = s.exec(ctx, `
		UPDATE assets SET hostname = ?, vendor = ?, os_hint = ?, category = ?, confidence = ?, scan_method = ?, last_seen = ?
		WHERE id = ?
	`, a.Hostname, a.Vendor, a.OSHint, a.Category, a.Confidence, a.ScanMethod, formatTime(now), existingID)
	if err != nil {
		return "", fmt.Errorf("update asset %s: %w", existingID, err)
	}
	return existingID, nil
}

// formatConfidence renders a confidence score the same way for both
// sides of the AssetChange diff so float equality doesn't depend on
// driver-specific formatting.
func formatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}

func (s *Store) recordAssetChange(ctx context.Context, assetID, scanID, changeType, field, oldV, newV string) error {
	_, err := s.exec(ctx, `
		INSERT INTO asset_changes (asset_id, scan_id, change_type, field_name, old_value, new_value, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, assetID, nullableString(scanID), changeType, nullableString(field), nullableString(oldV), nullableString(newV), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("record asset change: %w", err)
	}
	return nil
}

// UpsertScanAsset records one asset's snapshot within a scan.
func (s *Store) UpsertScanAsset(ctx context.Context, sa ScanAsset) error {
	portsJSON, err := json.Marshal(sa.OpenPorts)
	if err != nil {
		return fmt.Errorf("marshal open ports: %w", err)
	}
	evidenceJSON, err := json.Marshal(sa.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO scan_assets (scan_id, asset_id, open_ports, confidence, category, evidence)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scan_id, asset_id) DO UPDATE SET
			open_ports = excluded.open_ports, confidence = excluded.confidence,
			category = excluded.category, evidence = excluded.evidence
	`, sa.ScanID, sa.AssetID, string(portsJSON), sa.Confidence, sa.Category, string(evidenceJSON))
	if err != nil {
		return fmt.Errorf("upsert scan asset: %w", err)
	}
	return nil
}

// AssetAgentID implements remediation.AssetStore.
func (s *Store) AssetAgentID(ctx context.Context, assetIP string) (string, bool, error) {
	row := s.queryRow(ctx, `SELECT agent_id FROM assets WHERE ip = ? LIMIT 1`, assetIP)
	var agentID sql.NullString
	if err := row.Scan(&agentID); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup asset agent for %s: %w", assetIP, err)
	}
	if !agentID.Valid || agentID.String == "" {
		return "", false, nil
	}
	return agentID.String, true, nil
}

// LatestOpenPorts implements remediation.AssetStore: the open-ports
// list from the most recent scan covering this asset.
func (s *Store) LatestOpenPorts(ctx context.Context, assetIP string) ([]int, error) {
	row := s.queryRow(ctx, `
		SELECT sa.open_ports
		FROM scan_assets sa
		JOIN assets a ON sa.asset_id = a.id
		JOIN scans sc ON sa.scan_id = sc.id
		WHERE a.ip = ?
		ORDER BY sc.started_at DESC
		LIMIT 1
	`, assetIP)

	var portsJSON string
	if err := row.Scan(&portsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load latest open ports for %s: %w", assetIP, err)
	}
	var ports []int
	if err := json.Unmarshal([]byte(portsJSON), &ports); err != nil {
		return nil, fmt.Errorf("decode open ports for %s: %w", assetIP, err)
	}
	return ports, nil
}

// AllAssetIPs implements remediation.AssetStore.
func (s *Store) AllAssetIPs(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT ip FROM assets WHERE is_ignored = 0`)
	if err != nil {
		return nil, fmt.Errorf("list asset ips: %w", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scan asset ip: %w", err)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
