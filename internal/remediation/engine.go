package remediation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bigr-shield/sentinel/internal/control"
	"github.com/bigr-shield/sentinel/internal/idgen"
)

type portRemediation struct {
	title           string
	description     string
	severity        string
	actionType      string
	autoFixable     bool
	estimatedImpact string
}

// dangerousPorts is the fixed remediation table for the dangerous-port
// set, shared in spirit with internal/firewall's high-risk-port table
// but phrased as user-facing fix guidance (spec.md §4.5).
var dangerousPorts = map[int]portRemediation{
	21: {
		title: "Block FTP", description: "FTP transmits credentials in plain text. Switch to SFTP.",
		severity: "high", actionType: "firewall_rule", autoFixable: true,
		estimatedImpact: "FTP transfers will stop working. Use SFTP (port 22) instead.",
	},
	23: {
		title: "Block Telnet, use SSH", description: "Telnet is unencrypted. Use SSH instead.",
		severity: "critical", actionType: "firewall_rule", autoFixable: true,
		estimatedImpact: "Telnet connections will be cut. Use SSH (port 22) for access.",
	},
	445: {
		title: "Restrict SMB to local subnet", description: "SMB is a major ransomware vector (EternalBlue, WannaCry).",
		severity: "critical", actionType: "firewall_rule", autoFixable: true,
		estimatedImpact: "SMB access from outside the network will be blocked. Local file sharing is unaffected.",
	},
	3389: {
		title: "Block direct RDP, require VPN", description: "RDP exposed to the internet is a brute-force and BlueKeep target.",
		severity: "critical", actionType: "firewall_rule", autoFixable: true,
		estimatedImpact: "Direct RDP access will close. Use VPN for remote access.",
	},
	5900: {
		title: "Secure or disable VNC", description: "VNC is often unencrypted. Strengthen the password or disable it.",
		severity: "high", actionType: "config_change", autoFixable: false,
		estimatedImpact: "Remote desktop access over VNC may be affected.",
	},
	6379: {
		title: "Secure Redis", description: "Redis is often unauthenticated. Bind to localhost and set a password.",
		severity: "high", actionType: "config_change", autoFixable: true,
		estimatedImpact: "Redis access from outside the network will close. Applications need local-connection configuration.",
	},
	27017: {
		title: "Secure MongoDB", description: "MongoDB often runs without auth. Enable authentication and bind to localhost.",
		severity: "high", actionType: "config_change", autoFixable: true,
		estimatedImpact: "MongoDB access from outside the network will close. Application configuration may be required.",
	},
	135: {
		title: "Block MSRPC", description: "Windows RPC can be used for lateral movement.",
		severity: "medium", actionType: "firewall_rule", autoFixable: true,
		estimatedImpact: "Windows remote management functions may be affected.",
	},
	139: {
		title: "Block NetBIOS session service", description: "SMB over NetBIOS is a ransomware vector.",
		severity: "high", actionType: "firewall_rule", autoFixable: true,
		estimatedImpact: "Legacy Windows file sharing may be affected. Use SMB2/3 instead.",
	},
	1433: {
		title: "Restrict MSSQL access", description: "MSSQL exposed to the network is a SQL injection and brute-force target.",
		severity: "high", actionType: "firewall_rule", autoFixable: true,
		estimatedImpact: "MSSQL access from outside the network will close. Access through the application server instead.",
	},
	3306: {
		title: "Restrict MySQL access", description: "MySQL exposed to the network is a brute-force target.",
		severity: "high", actionType: "firewall_rule", autoFixable: true,
		estimatedImpact: "MySQL access from outside the network will close.",
	},
	5432: {
		title: "Restrict PostgreSQL access", description: "PostgreSQL exposed to the network should be restricted.",
		severity: "medium", actionType: "firewall_rule", autoFixable: true,
		estimatedImpact: "PostgreSQL access from outside the network will close.",
	},
	9200: {
		title: "Restrict Elasticsearch access", description: "Elasticsearch often has no auth and exposes sensitive data.",
		severity: "high", actionType: "firewall_rule", autoFixable: true,
		estimatedImpact: "Elasticsearch access from outside the network will close.",
	},
}

// AssetStore gives the planner the two lookups it needs: an asset's
// agent (for command dispatch) and its most recently observed open
// ports.
type AssetStore interface {
	AssetAgentID(ctx context.Context, assetIP string) (agentID string, found bool, err error)
	LatestOpenPorts(ctx context.Context, assetIP string) ([]int, error)
	AllAssetIPs(ctx context.Context) ([]string, error)
}

// FindingStore gives the planner shield findings to turn into manual
// remediation actions.
type FindingStore interface {
	FindingsBySeverity(ctx context.Context, assetIP string, severities []string, limit int) ([]ShieldFinding, error)
}

// HistoryStore persists executed remediation records.
type HistoryStore interface {
	RecordExecution(ctx context.Context, entry HistoryEntry) error
	History(ctx context.Context, limit int) ([]HistoryEntry, error)
}

// Engine generates and executes remediation plans, a direct port of
// original_source/bigr/remediation/engine.py's RemediationEngine.
type Engine struct {
	assets   AssetStore
	findings FindingStore
	history  HistoryStore
	commands *control.CommandQueue
}

func NewEngine(assets AssetStore, findings FindingStore, history HistoryStore, commands *control.CommandQueue) *Engine {
	return &Engine{assets: assets, findings: findings, history: history, commands: commands}
}

// GeneratePlan builds the remediation plan for a single asset.
func (e *Engine) GeneratePlan(ctx context.Context, assetIP string) (Plan, error) {
	now := time.Now().UTC()

	ports, err := e.assets.LatestOpenPorts(ctx, assetIP)
	if err != nil {
		return Plan{}, fmt.Errorf("load open ports for %s: %w", assetIP, err)
	}

	actions := portActions(assetIP, ports)

	findings, err := e.findings.FindingsBySeverity(ctx, assetIP, []string{"critical", "high", "medium"}, 20)
	if err != nil {
		return Plan{}, fmt.Errorf("load findings for %s: %w", assetIP, err)
	}
	for _, f := range findings {
		actions = append(actions, findingAction(assetIP, f))
	}

	return buildPlan(assetIP, actions, now), nil
}

// GenerateNetworkPlan unions per-asset port-based actions across every
// known asset, deduplicated by (target_ip, target_port, action_type).
func (e *Engine) GenerateNetworkPlan(ctx context.Context) (Plan, error) {
	now := time.Now().UTC()

	ips, err := e.assets.AllAssetIPs(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("list assets: %w", err)
	}

	var all []Action
	for _, ip := range ips {
		ports, err := e.assets.LatestOpenPorts(ctx, ip)
		if err != nil {
			return Plan{}, fmt.Errorf("load open ports for %s: %w", ip, err)
		}
		all = append(all, portActions(ip, ports)...)
	}

	type dedupKey struct {
		ip   string
		port int
		typ  string
	}
	seen := make(map[dedupKey]bool)
	unique := make([]Action, 0, len(all))
	for _, a := range all {
		port := -1
		if a.TargetPort != nil {
			port = *a.TargetPort
		}
		k := dedupKey{a.TargetIP, port, a.ActionType}
		if seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, a)
	}

	plan := buildPlan("", unique, now)
	return plan, nil
}

// Execute dispatches (or manually flags) one remediation action,
// parsing its ID as "port-<ip>-<port>" or "finding-<ip>-<findingID>".
func (e *Engine) Execute(ctx context.Context, actionID string) (ExecuteResult, error) {
	parts := strings.SplitN(actionID, "-", 3)
	if len(parts) < 3 {
		return ExecuteResult{}, fmt.Errorf("invalid action id %q", actionID)
	}
	kind, targetIP := parts[0], parts[1]
	actionType := "manual"
	if kind == "port" {
		if port, err := strconv.Atoi(parts[2]); err == nil {
			if info, ok := dangerousPorts[port]; ok {
				actionType = info.actionType
			}
		}
	}

	agentID, found, err := e.assets.AssetAgentID(ctx, targetIP)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("look up asset agent for %s: %w", targetIP, err)
	}

	entry := HistoryEntry{
		ID:         idgen.UUID(),
		AssetIP:    targetIP,
		ActionType: actionType,
		Title:      actionID,
		Severity:   "medium",
		Status:     "executing",
		CreatedAt:  time.Now().UTC(),
	}

	if found && agentID != "" {
		cmd, err := e.commands.Enqueue(ctx, agentID, control.CommandRemediate, map[string]interface{}{
			"action_id":   actionID,
			"action_type": actionType,
			"target_ip":   targetIP,
		})
		if err != nil {
			return ExecuteResult{}, fmt.Errorf("enqueue remediation command: %w", err)
		}
		if err := e.history.RecordExecution(ctx, entry); err != nil {
			return ExecuteResult{}, fmt.Errorf("record remediation history: %w", err)
		}
		return ExecuteResult{
			Status:    "ok",
			Message:   "Remediation command sent to agent.",
			ActionID:  actionID,
			CommandID: cmd.ID,
			AgentID:   agentID,
		}, nil
	}

	entry.Status = "pending"
	entry.Result = "No agent found for this asset. Manual intervention required."
	if err := e.history.RecordExecution(ctx, entry); err != nil {
		return ExecuteResult{}, fmt.Errorf("record remediation history: %w", err)
	}
	return ExecuteResult{
		Status:   "manual",
		Message:  "No agent found for this asset. Manual intervention required.",
		ActionID: actionID,
	}, nil
}

// History returns the most recent remediation executions.
func (e *Engine) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	entries, err := e.history.History(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load remediation history: %w", err)
	}
	return entries, nil
}

func portActions(ip string, ports []int) []Action {
	actions := make([]Action, 0, len(ports))
	for _, port := range ports {
		info, ok := dangerousPorts[port]
		if !ok {
			continue
		}
		p := port
		actions = append(actions, Action{
			ID:              fmt.Sprintf("port-%s-%d", ip, port),
			Title:           info.title,
			Description:     info.description,
			Severity:        info.severity,
			ActionType:      info.actionType,
			TargetIP:        ip,
			TargetPort:      &p,
			AutoFixable:     info.autoFixable,
			EstimatedImpact: info.estimatedImpact,
		})
	}
	return actions
}

func findingAction(ip string, f ShieldFinding) Action {
	severity := f.Severity
	switch severity {
	case "critical", "high", "medium", "low":
	default:
		severity = "medium"
	}
	title := f.Title
	if title == "" {
		title = "Security finding"
	}
	description := f.Detail
	if description == "" {
		description = "A security issue was detected."
	}
	impact := f.Remediation
	if impact == "" {
		impact = "Manual review required."
	}
	return Action{
		ID:              fmt.Sprintf("finding-%s-%s", ip, f.ID),
		Title:           title,
		Description:     description,
		Severity:        severity,
		ActionType:      "manual",
		TargetIP:        ip,
		AutoFixable:     false,
		EstimatedImpact: impact,
	}
}

func buildPlan(assetIP string, actions []Action, now time.Time) Plan {
	critical, auto := 0, 0
	for _, a := range actions {
		if a.Severity == "critical" {
			critical++
		}
		if a.AutoFixable {
			auto++
		}
	}
	return Plan{
		AssetIP:          assetIP,
		TotalActions:     len(actions),
		CriticalCount:    critical,
		AutoFixableCount: auto,
		Actions:          actions,
		GeneratedAt:      now,
	}
}
