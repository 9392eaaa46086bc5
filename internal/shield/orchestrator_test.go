package shield

import (
	"context"
	"errors"
	"testing"

	"github.com/bigr-shield/sentinel/internal/shield/modules"
)

type fakeModule struct {
	name      string
	available bool
	findings  []Finding
	err       error
}

func (f *fakeModule) Name() string       { return f.name }
func (f *fakeModule) Weight() int        { return modules.Weights[f.name] }
func (f *fakeModule) IsAvailable() bool  { return f.available }
func (f *fakeModule) Scan(ctx context.Context, target string, port int) ([]Finding, error) {
	return f.findings, f.err
}

func TestRunSkipsUnavailableModuleEntirely(t *testing.T) {
	registry := modules.NewRegistry(
		&fakeModule{name: "tls", available: true},
		&fakeModule{name: "ports", available: false},
	)
	o := NewOrchestrator(registry)
	scan := o.CreateScan("example.com", TargetDomain, DepthStandard, SensitivityNone, []string{"tls", "ports"})

	if err := o.Run(context.Background(), scan, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := scan.ModuleScores["ports"]; ok {
		t.Fatal("an unavailable module must not get a ModuleScores entry at all")
	}
	if ms, ok := scan.ModuleScores["tls"]; !ok || ms.Score != 100 {
		t.Fatalf("expected tls to score 100 with no findings, got %+v", ms)
	}
	if scan.ShieldScore != 100 {
		t.Fatalf("composite score should ignore the skipped module entirely, got %v", scan.ShieldScore)
	}
}

func TestRunErroringModuleScoresAsNoFindings(t *testing.T) {
	registry := modules.NewRegistry(
		&fakeModule{name: "tls", available: true, err: errors.New("probe crashed")},
	)
	o := NewOrchestrator(registry)
	scan := o.CreateScan("example.com", TargetDomain, DepthQuick, SensitivityNone, []string{"tls"})

	err := o.Run(context.Background(), scan, 0)
	if err != nil {
		t.Fatalf("a module error must not fail the scan, got %v", err)
	}

	ms, ok := scan.ModuleScores["tls"]
	if !ok {
		t.Fatal("a crashing module should still get a ModuleScores entry")
	}
	if ms.Score != 100 {
		t.Fatalf("a crashing module produced no findings, so it should score 100 like a clean empty run, got %v", ms.Score)
	}
}

func TestRunMixedSkippedErroredAndCleanModules(t *testing.T) {
	registry := modules.NewRegistry(
		&fakeModule{name: "tls", available: true},
		&fakeModule{name: "ports", available: false},
		&fakeModule{name: "headers", available: true, err: errors.New("boom")},
	)
	o := NewOrchestrator(registry)
	scan := o.CreateScan("example.com", TargetDomain, DepthStandard, SensitivityNone,
		[]string{"tls", "ports", "headers"})

	if err := o.Run(context.Background(), scan, 0); err != nil {
		t.Fatalf("the headers module's error must not fail the scan, got %v", err)
	}

	if _, ok := scan.ModuleScores["ports"]; ok {
		t.Fatal("skipped module must be excluded")
	}
	if len(scan.ModuleScores) != 2 {
		t.Fatalf("expected exactly 2 scored modules (tls, headers), got %d: %+v", len(scan.ModuleScores), scan.ModuleScores)
	}
	if scan.ShieldScore != 100 {
		t.Fatalf("tls and headers both have no findings, so composite should be 100, got %v", scan.ShieldScore)
	}
}
