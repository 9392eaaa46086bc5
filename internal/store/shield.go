package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bigr-shield/sentinel/internal/remediation"
	"github.com/bigr-shield/sentinel/internal/shield"
)

// CreateShieldScan persists a newly queued Shield scan.
func (s *Store) CreateShieldScan(ctx context.Context, sc shield.Scan) error {
	modulesJSON, err := json.Marshal(sc.ModulesEnabled)
	if err != nil {
		return fmt.Errorf("marshal modules_enabled: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO shield_scans (id, target, target_type, depth, sensitivity, modules_enabled, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sc.ID, sc.Target, string(sc.TargetType), string(sc.Depth), string(sc.Sensitivity), string(modulesJSON), string(sc.Status), nil)
	if err != nil {
		return fmt.Errorf("insert shield scan: %w", err)
	}
	return nil
}

// CompleteShieldScan records the final score/grade/counters for a finished scan.
func (s *Store) CompleteShieldScan(ctx context.Context, sc shield.Scan) error {
	moduleScoresJSON, err := json.Marshal(sc.ModuleScores)
	if err != nil {
		return fmt.Errorf("marshal module_scores: %w", err)
	}
	var completed interface{}
	if sc.CompletedAt != nil {
		completed = formatTime(*sc.CompletedAt)
	}
	_, err = s.exec(ctx, `
		UPDATE shield_scans SET status = ?, completed_at = ?, total_checks = ?, passed_checks = ?,
			failed_checks = ?, warning_checks = ?, shield_score = ?, grade = ?, module_scores = ?
		WHERE id = ?
	`, string(sc.Status), completed, sc.TotalChecks, sc.PassedChecks, sc.FailedChecks, sc.WarningChecks,
		sc.ShieldScore, string(sc.Grade), string(moduleScoresJSON), sc.ID)
	if err != nil {
		return fmt.Errorf("complete shield scan %s: %w", sc.ID, err)
	}
	return nil
}

// ShieldScanByID loads a scan's metadata, without its findings.
func (s *Store) ShieldScanByID(ctx context.Context, id string) (*shield.Scan, error) {
	row := s.queryRow(ctx, `
		SELECT id, target, target_type, depth, sensitivity, modules_enabled, status, started_at,
			completed_at, total_checks, passed_checks, failed_checks, warning_checks, shield_score,
			grade, module_scores
		FROM shield_scans WHERE id = ?
	`, id)

	var sc shield.Scan
	var targetType, depth, sensitivity, status, grade string
	var modulesJSON, moduleScoresJSON string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&sc.ID, &sc.Target, &targetType, &depth, &sensitivity, &modulesJSON, &status,
		&startedAt, &completedAt, &sc.TotalChecks, &sc.PassedChecks, &sc.FailedChecks, &sc.WarningChecks,
		&sc.ShieldScore, &grade, &moduleScoresJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan shield scan %s: %w", id, err)
	}

	sc.TargetType = shield.TargetType(targetType)
	sc.Depth = shield.Depth(depth)
	sc.Sensitivity = shield.Sensitivity(sensitivity)
	sc.Status = shield.Status(status)
	sc.Grade = shield.Grade(grade)

	if err := json.Unmarshal([]byte(modulesJSON), &sc.ModulesEnabled); err != nil {
		return nil, fmt.Errorf("decode modules_enabled: %w", err)
	}
	if moduleScoresJSON != "" {
		if err := json.Unmarshal([]byte(moduleScoresJSON), &sc.ModuleScores); err != nil {
			return nil, fmt.Errorf("decode module_scores: %w", err)
		}
	}
	if startedAt.Valid && startedAt.String != "" {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		sc.StartedAt = &t
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		sc.CompletedAt = &t
	}

	findings, err := s.shieldFindingsByScan(ctx, id)
	if err != nil {
		return nil, err
	}
	sc.Findings = findings

	return &sc, nil
}

// InsertShieldFindings persists a batch of findings for one scan.
func (s *Store) InsertShieldFindings(ctx context.Context, findings []shield.Finding) error {
	for _, f := range findings {
		evidenceJSON, err := json.Marshal(f.Evidence)
		if err != nil {
			return fmt.Errorf("marshal finding evidence: %w", err)
		}

		var mitreTechnique, mitreTactic interface{}
		if f.Mitre != nil {
			mitreTechnique, mitreTactic = f.Mitre.Technique, f.Mitre.Tactic
		}
		var cveID interface{}
		var cvss, epss interface{}
		var inKEV int
		if f.CVE != nil {
			cveID, cvss, epss = f.CVE.ID, f.CVE.CVSS, f.CVE.EPSS
			inKEV = boolToInt(f.CVE.InKEV)
		}

		_, err = s.exec(ctx, `
			INSERT INTO shield_findings (id, scan_id, module, severity, title, description, remediation,
				target_ip, target_port, evidence, mitre_technique, mitre_tactic, cve_id, cvss, epss, in_kev)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, f.ID, f.ScanID, f.Module, string(f.Severity), f.Title, f.Description, f.Remediation,
			f.TargetIP, nullablePort(f.TargetPort), string(evidenceJSON), mitreTechnique, mitreTactic,
			cveID, cvss, epss, inKEV)
		if err != nil {
			return fmt.Errorf("insert finding %s: %w", f.ID, err)
		}
	}
	return nil
}

func (s *Store) shieldFindingsByScan(ctx context.Context, scanID string) ([]shield.Finding, error) {
	rows, err := s.query(ctx, `
		SELECT id, scan_id, module, severity, title, description, remediation, target_ip, target_port,
			evidence, mitre_technique, mitre_tactic, cve_id, cvss, epss, in_kev
		FROM shield_findings WHERE scan_id = ?
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list findings for scan %s: %w", scanID, err)
	}
	defer rows.Close()

	var out []shield.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFinding(rows *sql.Rows) (shield.Finding, error) {
	var f shield.Finding
	var severity string
	var targetPort sql.NullInt64
	var evidenceJSON string
	var mitreTechnique, mitreTactic, cveID sql.NullString
	var cvss, epss sql.NullFloat64
	var inKEV int

	if err := rows.Scan(&f.ID, &f.ScanID, &f.Module, &severity, &f.Title, &f.Description, &f.Remediation,
		&f.TargetIP, &targetPort, &evidenceJSON, &mitreTechnique, &mitreTactic, &cveID, &cvss, &epss, &inKEV); err != nil {
		return shield.Finding{}, fmt.Errorf("scan finding: %w", err)
	}

	f.Severity = shield.Severity(severity)
	if targetPort.Valid {
		f.TargetPort = int(targetPort.Int64)
	}
	if evidenceJSON != "" {
		if err := json.Unmarshal([]byte(evidenceJSON), &f.Evidence); err != nil {
			return shield.Finding{}, fmt.Errorf("decode finding evidence: %w", err)
		}
	}
	if mitreTechnique.Valid || mitreTactic.Valid {
		f.Mitre = &shield.MitreTag{Technique: mitreTechnique.String, Tactic: mitreTactic.String}
	}
	if cveID.Valid {
		f.CVE = &shield.CVEInfo{ID: cveID.String, CVSS: cvss.Float64, EPSS: epss.Float64, InKEV: inKEV != 0}
	}
	return f, nil
}

// FindingsBySeverity implements remediation.FindingStore: the most
// recent findings for an asset restricted to the given severities.
func (s *Store) FindingsBySeverity(ctx context.Context, assetIP string, severities []string, limit int) ([]remediation.ShieldFinding, error) {
	if len(severities) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := []interface{}{assetIP}
	for i, sev := range severities {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, sev)
	}
	args = append(args, limit)

	rows, err := s.query(ctx, fmt.Sprintf(`
		SELECT f.id, f.target_ip, f.severity, f.title, f.description, f.remediation
		FROM shield_findings f
		JOIN shield_scans sc ON f.scan_id = sc.id
		WHERE f.target_ip = ? AND f.severity IN (%s)
		ORDER BY sc.completed_at DESC
		LIMIT ?
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("list findings by severity for %s: %w", assetIP, err)
	}
	defer rows.Close()

	var out []remediation.ShieldFinding
	for rows.Next() {
		var f remediation.ShieldFinding
		if err := rows.Scan(&f.ID, &f.TargetIP, &f.Severity, &f.Title, &f.Detail, &f.Remediation); err != nil {
			return nil, fmt.Errorf("scan remediation finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullablePort(p int) interface{} {
	if p == 0 {
		return nil
	}
	return p
}
