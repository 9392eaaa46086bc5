package firewall

import (
	"context"
	"fmt"
	"log"
	"time"
)

// highRiskPorts is the fixed table of dangerous ports auto-blocked by
// Sync-from-high-risk-ports (spec.md §4.3), shared with the remediation
// planner's dangerous-port set.
var highRiskPorts = map[int]string{
	21:    "FTP transmits credentials in plaintext",
	23:    "Telnet is an unencrypted remote-shell protocol",
	445:   "SMB is a common ransomware propagation vector",
	3389:  "RDP is a frequent brute-force target",
	5900:  "VNC is an unencrypted remote desktop protocol",
	135:   "MSRPC enables lateral movement",
	139:   "NetBIOS is a ransomware propagation vector",
	1433:  "MSSQL should never be internet-facing",
	3306:  "MySQL should never be internet-facing",
	5432:  "PostgreSQL should never be internet-facing",
	6379:  "Redis has no authentication by default",
	27017: "MongoDB has no authentication by default",
	9200:  "Elasticsearch exposes data without authentication by default",
}

const threatRuleExpiry = 90 * 24 * time.Hour

// ThreatIndicator is the minimal shape Service needs from the collective
// engine's threat table to sync block rules.
type ThreatIndicator struct {
	ID           string
	SubnetPrefix string
	ThreatScore  float64
}

// RuleStore persists rules beyond the in-memory Engine and lets Service
// check for an existing rule before inserting a duplicate.
type RuleStore interface {
	UpsertRule(ctx context.Context, r Rule) error
	RuleExists(ctx context.Context, typ RuleType, target, source string) (bool, error)
	ActiveRules(ctx context.Context) ([]Rule, error)
	DeactivateRule(ctx context.Context, id string) error
}

// Service owns the engine, the enforcement adapter, and the two sync
// jobs that populate rules from collective threat intelligence and from
// Shield's dangerous-port findings (spec.md §4.3).
type Service struct {
	engine  *Engine
	adapter Adapter
	store   RuleStore
}

func NewService(store RuleStore, adapter Adapter) *Service {
	if adapter == nil {
		adapter = NewNoopAdapter()
	}
	return &Service{engine: NewEngine(), adapter: adapter, store: store}
}

func (s *Service) Engine() *Engine { return s.engine }

// Reload refreshes the engine's in-memory view from the store. Call
// after any rule mutation so Evaluate sees it.
func (s *Service) Reload(ctx context.Context) error {
	rules, err := s.store.ActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("load active rules: %w", err)
	}
	s.engine.LoadRules(rules)
	return nil
}

// AddRule persists a rule, applies it through the adapter, and reloads
// the engine so Evaluate sees it immediately.
func (s *Service) AddRule(ctx context.Context, r Rule) error {
	if err := s.store.UpsertRule(ctx, r); err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	if r.IsActive {
		if err := s.adapter.ApplyRule(ctx, r); err != nil {
			log.Printf("[firewall] adapter %s failed to apply rule %s: %v", s.adapter.Name(), r.ID, err)
		}
	}
	return s.Reload(ctx)
}

// RemoveRule deactivates a rule by id and reloads the engine, without
// touching its type/target/source — callers that want to reinstate a
// rule with different fields should upsert a fresh one through AddRule.
func (s *Service) RemoveRule(ctx context.Context, id string) error {
	if err := s.store.DeactivateRule(ctx, id); err != nil {
		return fmt.Errorf("deactivate rule %s: %w", id, err)
	}
	return s.Reload(ctx)
}

// SyncThreatRules creates block_ip rules for every indicator whose
// threat score is ≥ 0.7, 90-day expiry, source=threat_intel. Idempotent
// by rule ID (threat-<indicator id>).
func (s *Service) SyncThreatRules(ctx context.Context, indicators []ThreatIndicator) (int, error) {
	created := 0
	for _, ind := range indicators {
		if ind.ThreatScore < 0.7 || ind.SubnetPrefix == "" {
			continue
		}
		target := subnetHost(ind.SubnetPrefix)
		expires := time.Now().UTC().Add(threatRuleExpiry)
		r := Rule{
			ID:        "threat-" + ind.ID,
			Type:      RuleBlockIP,
			Target:    target,
			IsActive:  true,
			Reason:    fmt.Sprintf("high threat score: %.2f", ind.ThreatScore),
			Source:    "threat_intel",
			CreatedAt: time.Now().UTC(),
			ExpiresAt: &expires,
		}
		if err := s.store.UpsertRule(ctx, r); err != nil {
			return created, fmt.Errorf("upsert threat rule %s: %w", r.ID, err)
		}
		created++
	}
	if created > 0 {
		if err := s.Reload(ctx); err != nil {
			return created, err
		}
	}
	return created, nil
}

// SyncHighRiskPortRules creates block_port rules for the dangerous-port
// table, skipping ports that already have a source=remediation rule.
func (s *Service) SyncHighRiskPortRules(ctx context.Context) (int, error) {
	created := 0
	for port, reason := range highRiskPorts {
		target := fmt.Sprintf("%d", port)
		exists, err := s.store.RuleExists(ctx, RuleBlockPort, target, "remediation")
		if err != nil {
			return created, fmt.Errorf("check existing port rule %d: %w", port, err)
		}
		if exists {
			continue
		}
		r := NewRule(RuleBlockPort, target, reason, "remediation")
		if err := s.store.UpsertRule(ctx, r); err != nil {
			return created, fmt.Errorf("upsert port rule %d: %w", port, err)
		}
		created++
	}
	if created > 0 {
		if err := s.Reload(ctx); err != nil {
			return created, err
		}
	}
	return created, nil
}

// InstallAdapter runs the platform adapter's one-time install step
// (e.g. loading a kernel extension, registering a WFP callout).
func (s *Service) InstallAdapter(ctx context.Context) error {
	type installer interface {
		Install(ctx context.Context) error
	}
	if in, ok := s.adapter.(installer); ok {
		return in.Install(ctx)
	}
	return nil
}

// subnetHost strips a CIDR suffix ("10.0.0.0/24" -> "10.0.0.0") so the
// engine's ip_blocklist, which matches single addresses, sees a plain
// host. Matches original_source's indicator.subnet_prefix.split("/")[0].
func subnetHost(prefix string) string {
	for i, c := range prefix {
		if c == '/' {
			return prefix[:i]
		}
	}
	return prefix
}
