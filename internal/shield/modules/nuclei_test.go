package modules

import (
	"testing"

	"github.com/bigr-shield/sentinel/internal/shield"
)

func TestNucleiModuleName(t *testing.T) {
	m := NewNucleiModule()
	if m.Name() != "nuclei" {
		t.Errorf("expected 'nuclei', got %q", m.Name())
	}
}

func TestNucleiWeightIsZero(t *testing.T) {
	m := NewNucleiModule()
	if got := m.Weight(); got != 0 {
		t.Errorf("nuclei is supplementary and must carry zero weight, got %d", got)
	}
}

func TestParseNucleiOutputMapsSeverityAndCVE(t *testing.T) {
	m := NewNucleiModule()
	output := `{"template-id":"CVE-2021-44228-log4shell","info":{"name":"Log4Shell RCE","severity":"critical","description":"remote code execution via JNDI lookup"},"matched-at":"https://10.0.0.5:443"}
{"template-id":"exposed-panel-generic","info":{"name":"Exposed admin panel","severity":"medium","description":"admin panel reachable without auth"}}
`
	findings := parseNucleiOutput(m, "10.0.0.5", output)
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}

	first := findings[0]
	if first.Severity != shield.SeverityCritical {
		t.Errorf("expected critical severity, got %s", first.Severity)
	}
	if first.CVE == nil || first.CVE.ID != "CVE-2021-44228" {
		t.Errorf("expected CVE-2021-44228 extracted, got %+v", first.CVE)
	}
	if first.Mitre == nil || first.Mitre.Technique != "T1190" {
		t.Errorf("expected T1190 MITRE tag, got %+v", first.Mitre)
	}
	if first.Remediation == "" {
		t.Error("expected a non-empty remediation string")
	}

	second := findings[1]
	if second.Severity != shield.SeverityMedium {
		t.Errorf("expected medium severity, got %s", second.Severity)
	}
	if second.CVE != nil {
		t.Errorf("expected no CVE for a non-CVE template, got %+v", second.CVE)
	}
}

func TestParseNucleiOutputSkipsBlankAndMalformedLines(t *testing.T) {
	m := NewNucleiModule()
	output := "\n   \nnot json\n{\"template-id\":\"t\",\"info\":{\"severity\":\"low\"}}\n"
	findings := parseNucleiOutput(m, "10.0.0.5", output)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding from the only well-formed line, got %d", len(findings))
	}
}

func TestParseNucleiOutputUnknownSeverityDefaultsToInfo(t *testing.T) {
	m := NewNucleiModule()
	output := `{"template-id":"t","info":{"severity":"unknown-tier"}}`
	findings := parseNucleiOutput(m, "10.0.0.5", output)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].Severity != shield.SeverityInfo {
		t.Errorf("expected info severity fallback, got %s", findings[0].Severity)
	}
}
