// Package shield implements the security-assessment pipeline: the
// module contract, concurrent orchestration, weighted scoring, and the
// finding/scan data model.
package shield

import "time"

// Severity is the taxonomy every finding is tagged with.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Depth controls which modules run by default.
type Depth string

const (
	DepthQuick    Depth = "quick"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// Sensitivity restricts modules further, for fragile or sensitive targets.
type Sensitivity string

const (
	SensitivityFragile  Sensitivity = "fragile"
	SensitivityCautious Sensitivity = "cautious"
	SensitivitySafe     Sensitivity = "safe"
	SensitivityNone     Sensitivity = ""
)

// TargetType classifies the scan target.
type TargetType string

const (
	TargetIP     TargetType = "ip"
	TargetCIDR   TargetType = "cidr"
	TargetDomain TargetType = "domain"
)

// Status is the ShieldScan lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Grade is the letter grade derived from the composite score.
type Grade string

const (
	GradeAPlus Grade = "A+"
	GradeA     Grade = "A"
	GradeBPlus Grade = "B+"
	GradeB     Grade = "B"
	GradeCPlus Grade = "C+"
	GradeC     Grade = "C"
	GradeD     Grade = "D"
	GradeF     Grade = "F"
)

// GradeFromScore maps a 0-100 score onto the letter-grade bands in
// spec.md §4.1.1. It is a total function on [0, 100].
func GradeFromScore(score float64) Grade {
	switch {
	case score >= 95:
		return GradeAPlus
	case score >= 90:
		return GradeA
	case score >= 85:
		return GradeBPlus
	case score >= 75:
		return GradeB
	case score >= 70:
		return GradeCPlus
	case score >= 60:
		return GradeC
	case score >= 40:
		return GradeD
	default:
		return GradeF
	}
}

// MitreTag is an optional ATT&CK technique/tactic annotation.
type MitreTag struct {
	Technique string `json:"technique,omitempty"`
	Tactic    string `json:"tactic,omitempty"`
}

// CVEInfo enriches a finding with vulnerability-intelligence fields.
type CVEInfo struct {
	ID    string  `json:"id"`
	CVSS  float64 `json:"cvss"`
	EPSS  float64 `json:"epss"`
	InKEV bool    `json:"in_kev"`
}

// Finding is a single observation emitted by a module.
type Finding struct {
	ID            string                 `json:"id"`
	ScanID        string                 `json:"scan_id"`
	Module        string                 `json:"module"`
	Severity      Severity               `json:"severity"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Remediation   string                 `json:"remediation,omitempty"`
	TargetIP      string                 `json:"target_ip,omitempty"`
	TargetPort    int                    `json:"target_port,omitempty"`
	Evidence      map[string]interface{} `json:"evidence,omitempty"`
	Mitre         *MitreTag              `json:"mitre,omitempty"`
	CVE           *CVEInfo               `json:"cve,omitempty"`
	DetectedAt    time.Time              `json:"detected_at"`
}

// ModuleScore is the per-module scoring result.
type ModuleScore struct {
	Module        string  `json:"module"`
	Score         float64 `json:"score"`
	TotalChecks   int     `json:"total_checks"`
	PassedChecks  int     `json:"passed_checks"`
	FindingsCount int     `json:"findings_count"`
}

// Scan is the lifecycle token for one security assessment.
type Scan struct {
	ID             string                 `json:"id"`
	Target         string                 `json:"target"`
	TargetType     TargetType             `json:"target_type"`
	Depth          Depth                  `json:"depth"`
	Sensitivity    Sensitivity            `json:"sensitivity"`
	ModulesEnabled []string               `json:"modules_enabled"`
	Status         Status                 `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	TotalChecks    int                    `json:"total_checks"`
	PassedChecks   int                    `json:"passed_checks"`
	FailedChecks   int                    `json:"failed_checks"`
	WarningChecks  int                    `json:"warning_checks"`
	ShieldScore    float64                `json:"shield_score"`
	Grade          Grade                  `json:"grade"`
	Findings       []Finding              `json:"findings"`
	ModuleScores   map[string]ModuleScore `json:"module_scores"`
	AgentID        string                 `json:"agent_id,omitempty"`
	Error          string                 `json:"error,omitempty"`
}
