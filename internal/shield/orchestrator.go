package shield

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/shield/modules"
)

// moduleResult is the internal fan-in payload for one module's run.
type moduleResult struct {
	name     string
	findings []Finding
	err      error
	skipped  bool
}

// Orchestrator creates and runs Shield scans against a module registry
// (spec.md §4.1). Module execution is concurrent: each enabled module
// runs in its own goroutine and reports back on a buffered channel,
// mirroring the teacher's check-registry fan-out.
type Orchestrator struct {
	registry *modules.Registry
}

func NewOrchestrator(registry *modules.Registry) *Orchestrator {
	return &Orchestrator{registry: registry}
}

// CreateScan builds a queued Scan, resolving the module set from depth
// and sensitivity per spec.md §4.1.
func (o *Orchestrator) CreateScan(target string, targetType TargetType, depth Depth, sensitivity Sensitivity, requested []string) *Scan {
	enabled := requested
	if len(enabled) == 0 {
		enabled = modules.DepthModules[depth]
	}
	enabled = modules.FilterBySensitivity(enabled, sensitivity)

	return &Scan{
		ID:             idgen.ShieldScanID(),
		Target:         target,
		TargetType:     targetType,
		Depth:          depth,
		Sensitivity:    sensitivity,
		ModulesEnabled: enabled,
		Status:         StatusQueued,
		CreatedAt:      time.Now().UTC(),
		ModuleScores:   make(map[string]ModuleScore),
	}
}

// Run executes every enabled module concurrently against scan.Target,
// aggregates findings and per-module scores, and sets the composite
// ShieldScore and Grade. It mutates scan in place and always returns
// scan in a terminal status (completed or failed).
func (o *Orchestrator) Run(ctx context.Context, scan *Scan, port int) error {
	now := time.Now().UTC()
	scan.Status = StatusRunning
	scan.StartedAt = &now

	var wg sync.WaitGroup
	resultChan := make(chan moduleResult, len(scan.ModulesEnabled))

	for _, name := range scan.ModulesEnabled {
		mod, ok := o.registry.Get(name)
		if !ok {
			resultChan <- moduleResult{name: name, err: fmt.Errorf("module %q not registered", name)}
			continue
		}
		if !mod.IsAvailable() {
			resultChan <- moduleResult{name: name, skipped: true}
			continue
		}

		wg.Add(1)
		go func(m modules.Module) {
			defer wg.Done()
			findings, err := m.Scan(ctx, scan.Target, port)
			for i := range findings {
				findings[i].ScanID = scan.ID
			}
			resultChan <- moduleResult{name: m.Name(), findings: findings, err: err}
		}(mod)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var runErr error
	for res := range resultChan {
		if res.skipped {
			// An unavailable module never ran, so it gets no ModuleScores
			// entry at all and is excluded from CompositeScore's weighted
			// mean entirely (spec.md §4.1 step 3/5).
			continue
		}
		if res.err != nil {
			runErr = res.err
			// A crashing module yields an empty finding list for that
			// module (spec.md §4.1 step 3), so it scores the same as a
			// clean run with no findings rather than being zeroed out.
			scan.ModuleScores[res.name] = scoreModule(res.name, nil)
			continue
		}
		scan.Findings = append(scan.Findings, res.findings...)
		scan.ModuleScores[res.name] = scoreModule(res.name, res.findings)
	}

	scan.TotalChecks = len(scan.Findings)
	for _, f := range scan.Findings {
		switch f.Severity {
		case SeverityCritical, SeverityHigh:
			scan.FailedChecks++
		case SeverityMedium, SeverityLow:
			scan.WarningChecks++
		default:
			scan.PassedChecks++
		}
	}

	scan.ShieldScore = CompositeScore(scan.ModuleScores, scan.ModulesEnabled)
	scan.Grade = GradeFromScore(scan.ShieldScore)

	completed := time.Now().UTC()
	scan.CompletedAt = &completed
	if runErr != nil && len(scan.ModuleScores) == 0 {
		scan.Status = StatusFailed
		scan.Error = runErr.Error()
		return runErr
	}
	scan.Status = StatusCompleted
	return nil
}
