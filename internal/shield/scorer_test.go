package shield

import "testing"

func TestGradeFromScoreBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  Grade
	}{
		{100, GradeAPlus},
		{95, GradeAPlus},
		{94.9, GradeA},
		{90, GradeA},
		{89.9, GradeBPlus},
		{85, GradeBPlus},
		{84.9, GradeB},
		{75, GradeB},
		{74.9, GradeCPlus},
		{70, GradeCPlus},
		{69.9, GradeC},
		{60, GradeC},
		{59.9, GradeD},
		{40, GradeD},
		{39.9, GradeF},
		{0, GradeF},
	}
	for _, c := range cases {
		if got := GradeFromScore(c.score); got != c.want {
			t.Errorf("GradeFromScore(%v) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestScoreModuleNoFindingsIsPerfect(t *testing.T) {
	ms := scoreModule("tls", nil)
	if ms.Score != 100 {
		t.Fatalf("no findings should score 100, got %v", ms.Score)
	}
	if ms.TotalChecks != 1 || ms.PassedChecks != 1 {
		t.Fatalf("expected 1/1 checks with no findings, got %d/%d", ms.PassedChecks, ms.TotalChecks)
	}
}

func TestScoreModuleDeductsBySeverity(t *testing.T) {
	ms := scoreModule("ports", []Finding{
		{Severity: SeverityCritical},
		{Severity: SeverityLow},
	})
	want := 100.0 - 25 - 3
	if ms.Score != want {
		t.Fatalf("expected score %v, got %v", want, ms.Score)
	}
	if ms.FindingsCount != 2 {
		t.Fatalf("expected findings count 2, got %d", ms.FindingsCount)
	}
}

func TestScoreModuleFloorsAtZero(t *testing.T) {
	findings := make([]Finding, 10)
	for i := range findings {
		findings[i] = Finding{Severity: SeverityCritical}
	}
	ms := scoreModule("cve", findings)
	if ms.Score != 0 {
		t.Fatalf("score should floor at 0 with many critical findings, got %v", ms.Score)
	}
}

func TestScoreModuleInfoFindingsDontCountAsFailedChecks(t *testing.T) {
	ms := scoreModule("headers", []Finding{{Severity: SeverityInfo}})
	if ms.Score != 100 {
		t.Fatalf("info findings carry no penalty, got score %v", ms.Score)
	}
	if ms.TotalChecks != 1 || ms.PassedChecks != 1 {
		t.Fatalf("an info-only finding should still read as 1/1 passed, got %d/%d", ms.PassedChecks, ms.TotalChecks)
	}
}

func TestCompositeScoreOnlyWeighsEnabledModules(t *testing.T) {
	scores := map[string]ModuleScore{
		"tls":   {Module: "tls", Score: 100},
		"ports": {Module: "ports", Score: 0},
		"cve":   {Module: "cve", Score: 50},
	}

	// cve wasn't enabled for this scan, so it must not drag the score down.
	composite := CompositeScore(scores, []string{"tls", "ports"})
	if composite <= 0 || composite >= 100 {
		t.Fatalf("expected a composite strictly between 0 and 100 for mixed tls/ports scores, got %v", composite)
	}

	onlyPerfect := CompositeScore(map[string]ModuleScore{"tls": {Module: "tls", Score: 100}}, []string{"tls"})
	if onlyPerfect != 100 {
		t.Fatalf("a single perfect enabled module should composite to 100, got %v", onlyPerfect)
	}
}

func TestCompositeScoreNoEnabledModulesIsZero(t *testing.T) {
	if got := CompositeScore(map[string]ModuleScore{}, nil); got != 0 {
		t.Fatalf("no enabled modules should composite to 0, got %v", got)
	}
}

func TestCompositeScoreSkipsMissingModuleScores(t *testing.T) {
	scores := map[string]ModuleScore{"tls": {Module: "tls", Score: 100}}
	// "ports" is enabled but never actually produced a score (e.g. it
	// was unavailable and skipped); CompositeScore must not treat that as a zero.
	composite := CompositeScore(scores, []string{"tls", "ports"})
	if composite != 100 {
		t.Fatalf("a module with no recorded score should be excluded entirely, got %v", composite)
	}
}
