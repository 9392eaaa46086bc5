package firewall

import "testing"

func TestEngineAllowWinsOverIPBlock(t *testing.T) {
	e := NewEngine()
	e.LoadRules([]Rule{
		{ID: "1", Type: RuleBlockIP, Target: "10.0.0.5", IsActive: true},
		{ID: "2", Type: RuleAllowIP, Target: "10.0.0.5", IsActive: true},
	})

	decision, rule := e.Evaluate("10.0.0.5", 443, "tcp", "", "outbound")
	if decision != DecisionAllowed {
		t.Fatalf("allow rule must win over a block rule for the same IP, got %s", decision)
	}
	if rule != nil {
		t.Fatalf("an allowed decision should carry no matched block rule, got %+v", rule)
	}
}

func TestEngineAllowDomainWinsOverBlockDomain(t *testing.T) {
	e := NewEngine()
	e.LoadRules([]Rule{
		{ID: "1", Type: RuleBlockDomain, Target: "example.com", IsActive: true},
		{ID: "2", Type: RuleAllowDomain, Target: "Example.com", IsActive: true},
	})

	decision, _ := e.Evaluate("93.184.216.34", 443, "tcp", "example.com", "outbound")
	if decision != DecisionAllowed {
		t.Fatalf("allow_domain must win (case-insensitively) over block_domain, got %s", decision)
	}
}

func TestEngineBlocksIPWithNoAllowRule(t *testing.T) {
	e := NewEngine()
	e.LoadRules([]Rule{{ID: "1", Type: RuleBlockIP, Target: "10.0.0.5", IsActive: true}})

	decision, rule := e.Evaluate("10.0.0.5", 443, "tcp", "", "outbound")
	if decision != DecisionBlocked {
		t.Fatalf("expected blocked, got %s", decision)
	}
	if rule == nil || rule.ID != "1" {
		t.Fatalf("expected matched rule 1, got %+v", rule)
	}
}

func TestEngineBlocksPort(t *testing.T) {
	e := NewEngine()
	e.LoadRules([]Rule{{ID: "1", Type: RuleBlockPort, Target: "3389", IsActive: true}})

	decision, rule := e.Evaluate("192.168.1.10", 3389, "tcp", "", "inbound")
	if decision != DecisionBlocked {
		t.Fatalf("expected blocked for RDP port, got %s", decision)
	}
	if rule == nil || rule.Type != RuleBlockPort {
		t.Fatalf("expected matched block_port rule, got %+v", rule)
	}
}

func TestEngineBlocksDomainCaseInsensitively(t *testing.T) {
	e := NewEngine()
	e.LoadRules([]Rule{{ID: "1", Type: RuleBlockDomain, Target: "evil.example", IsActive: true}})

	decision, _ := e.Evaluate("1.2.3.4", 443, "tcp", "EVIL.example", "outbound")
	if decision != DecisionBlocked {
		t.Fatalf("domain blocking must be case-insensitive, got %s", decision)
	}
}

func TestEngineDefaultAllow(t *testing.T) {
	e := NewEngine()
	e.LoadRules(nil)

	decision, rule := e.Evaluate("8.8.8.8", 53, "udp", "dns.google", "outbound")
	if decision != DecisionAllowed || rule != nil {
		t.Fatalf("with no rules loaded, everything should be allowed; got %s, %+v", decision, rule)
	}
}

func TestEngineLoadRulesIgnoresInactiveRules(t *testing.T) {
	e := NewEngine()
	e.LoadRules([]Rule{{ID: "1", Type: RuleBlockIP, Target: "10.0.0.5", IsActive: false}})

	decision, _ := e.Evaluate("10.0.0.5", 443, "tcp", "", "outbound")
	if decision != DecisionAllowed {
		t.Fatalf("an inactive rule must not be enforced, got %s", decision)
	}

	stats := e.Stats()
	if stats.TotalRules != 0 || stats.IPBlocks != 0 {
		t.Fatalf("inactive rules should not appear in stats, got %+v", stats)
	}
}

func TestEngineStats(t *testing.T) {
	e := NewEngine()
	e.LoadRules([]Rule{
		{ID: "1", Type: RuleBlockIP, Target: "10.0.0.1", IsActive: true},
		{ID: "2", Type: RuleAllowIP, Target: "10.0.0.2", IsActive: true},
		{ID: "3", Type: RuleBlockPort, Target: "23", IsActive: true},
		{ID: "4", Type: RuleBlockDomain, Target: "bad.example", IsActive: true},
		{ID: "5", Type: RuleAllowDomain, Target: "good.example", IsActive: true},
	})

	stats := e.Stats()
	if stats.TotalRules != 5 || stats.IPBlocks != 1 || stats.IPAllows != 1 ||
		stats.PortBlocks != 1 || stats.DomainBlocks != 1 || stats.DomainAllows != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestNewRuleDefaults(t *testing.T) {
	r := NewRule(RuleBlockIP, "10.0.0.1", "bad actor", "manual")
	if r.ID == "" {
		t.Error("NewRule should assign an ID")
	}
	if !r.IsActive {
		t.Error("NewRule should default IsActive to true")
	}
	if r.Target != "10.0.0.1" || r.Reason != "bad actor" || r.Source != "manual" {
		t.Fatalf("unexpected rule fields: %+v", r)
	}
}
