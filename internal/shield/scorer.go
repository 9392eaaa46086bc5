package shield

import "github.com/bigr-shield/sentinel/internal/shield/modules"

// severityPenalty mirrors spec.md §4.1.1's per-finding deduction.
var severityPenalty = map[Severity]float64{
	SeverityCritical: 25,
	SeverityHigh:     15,
	SeverityMedium:   8,
	SeverityLow:      3,
	SeverityInfo:     0,
}

// scoreModule starts a module at 100 and deducts per finding, floored
// at 0, per spec.md §4.1.1. total_checks/passed_checks are a simplified
// estimate: each non-informational finding counts as one failed check,
// with at least one check considered to have run.
func scoreModule(name string, findings []Finding) ModuleScore {
	score := 100.0
	nonInfo := 0
	for _, f := range findings {
		score -= severityPenalty[f.Severity]
		if f.Severity != SeverityInfo {
			nonInfo++
		}
	}
	if score < 0 {
		score = 0
	}

	totalChecks := nonInfo
	if totalChecks < 1 {
		totalChecks = 1
	}
	passedChecks := totalChecks - nonInfo
	if passedChecks < 0 {
		passedChecks = 0
	}

	return ModuleScore{
		Module:        name,
		Score:         score,
		TotalChecks:   totalChecks,
		PassedChecks:  passedChecks,
		FindingsCount: len(findings),
	}
}

// CompositeScore computes the weighted, renormalized Shield Score
// across the modules that actually ran (spec.md §4.1.1): a scan that
// skips unavailable modules is scored only on what it could check, not
// penalized for modules that never ran.
func CompositeScore(scores map[string]ModuleScore, enabled []string) float64 {
	var weightedSum, totalWeight float64
	for _, name := range enabled {
		ms, ok := scores[name]
		if !ok {
			continue
		}
		w := float64(modules.Weights[name])
		weightedSum += ms.Score * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	composite := weightedSum / totalWeight
	if composite > 100 {
		composite = 100
	}
	if composite < 0 {
		composite = 0
	}
	return composite
}
