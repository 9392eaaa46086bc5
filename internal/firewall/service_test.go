package firewall

import (
	"context"
	"testing"
)

type fakeRuleStore struct {
	rules       map[string]Rule
	deactivated []string
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{rules: make(map[string]Rule)}
}

func (f *fakeRuleStore) UpsertRule(ctx context.Context, r Rule) error {
	f.rules[r.ID] = r
	return nil
}

func (f *fakeRuleStore) RuleExists(ctx context.Context, typ RuleType, target, source string) (bool, error) {
	for _, r := range f.rules {
		if r.Type == typ && r.Target == target && r.Source == source {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRuleStore) ActiveRules(ctx context.Context) ([]Rule, error) {
	var active []Rule
	for _, r := range f.rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	return active, nil
}

func (f *fakeRuleStore) DeactivateRule(ctx context.Context, id string) error {
	f.deactivated = append(f.deactivated, id)
	r, ok := f.rules[id]
	if !ok {
		return nil
	}
	r.IsActive = false
	f.rules[id] = r
	return nil
}

func TestServiceRemoveRuleDeactivatesWithoutMutatingFields(t *testing.T) {
	store := newFakeRuleStore()
	original := Rule{ID: "r1", Type: RuleBlockIP, Target: "10.0.0.9", IsActive: true, Reason: "bad", Source: "manual"}
	store.rules["r1"] = original

	svc := NewService(store, NewNoopAdapter())

	if err := svc.RemoveRule(context.Background(), "r1"); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}

	if len(store.deactivated) != 1 || store.deactivated[0] != "r1" {
		t.Fatalf("expected DeactivateRule called once with r1, got %v", store.deactivated)
	}

	stored := store.rules["r1"]
	if stored.IsActive {
		t.Fatal("rule should be inactive after RemoveRule")
	}
	if stored.Type != original.Type || stored.Target != original.Target || stored.Reason != original.Reason || stored.Source != original.Source {
		t.Fatalf("RemoveRule must not mutate type/target/reason/source, got %+v", stored)
	}
}

func TestServiceRemoveRuleReloadsEngine(t *testing.T) {
	store := newFakeRuleStore()
	store.rules["r1"] = Rule{ID: "r1", Type: RuleBlockIP, Target: "10.0.0.9", IsActive: true}
	svc := NewService(store, NewNoopAdapter())

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("initial Reload: %v", err)
	}
	decision, _ := svc.Engine().Evaluate("10.0.0.9", 443, "tcp", "", "outbound")
	if decision != DecisionBlocked {
		t.Fatalf("expected the rule to be enforced before removal, got %s", decision)
	}

	if err := svc.RemoveRule(context.Background(), "r1"); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}

	decision, _ = svc.Engine().Evaluate("10.0.0.9", 443, "tcp", "", "outbound")
	if decision != DecisionAllowed {
		t.Fatal("engine should no longer enforce the rule after RemoveRule reloads it")
	}
}

func TestServiceAddRulePersistsAndLoads(t *testing.T) {
	store := newFakeRuleStore()
	svc := NewService(store, NewNoopAdapter())

	r := NewRule(RuleBlockIP, "1.2.3.4", "manual block", "manual")
	if err := svc.AddRule(context.Background(), r); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	decision, _ := svc.Engine().Evaluate("1.2.3.4", 80, "tcp", "", "outbound")
	if decision != DecisionBlocked {
		t.Fatal("newly added rule should be enforced immediately")
	}
}

func TestServiceSyncHighRiskPortRulesSkipsExisting(t *testing.T) {
	store := newFakeRuleStore()
	store.rules["existing"] = Rule{ID: "existing", Type: RuleBlockPort, Target: "3389", IsActive: true, Source: "remediation"}
	svc := NewService(store, NewNoopAdapter())

	created, err := svc.SyncHighRiskPortRules(context.Background())
	if err != nil {
		t.Fatalf("SyncHighRiskPortRules: %v", err)
	}
	if created != len(highRiskPorts)-1 {
		t.Fatalf("expected %d new rules (all but the pre-existing 3389), got %d", len(highRiskPorts)-1, created)
	}
}

func TestServiceSyncThreatRulesFiltersLowScore(t *testing.T) {
	store := newFakeRuleStore()
	svc := NewService(store, NewNoopAdapter())

	created, err := svc.SyncThreatRules(context.Background(), []ThreatIndicator{
		{ID: "low", SubnetPrefix: "10.1.0.0/24", ThreatScore: 0.3},
		{ID: "high", SubnetPrefix: "10.2.0.0/24", ThreatScore: 0.9},
	})
	if err != nil {
		t.Fatalf("SyncThreatRules: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected only the high-score indicator to produce a rule, got %d", created)
	}
	if _, ok := store.rules["threat-high"]; !ok {
		t.Fatal("expected rule threat-high to be created")
	}
	if _, ok := store.rules["threat-low"]; ok {
		t.Fatal("low-score indicator should not have created a rule")
	}
}
