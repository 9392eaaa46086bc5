package modules

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/shield"
)

// nucleiSeverityMap translates a Nuclei template's severity string to
// a shield.Severity.
var nucleiSeverityMap = map[string]shield.Severity{
	"critical": shield.SeverityCritical,
	"high":     shield.SeverityHigh,
	"medium":   shield.SeverityMedium,
	"low":      shield.SeverityLow,
	"info":     shield.SeverityInfo,
}

// nucleiTemplateSets are passed to `-t` based on the scheme being
// probed; web targets also get misconfiguration and default-login
// checks on top of CVEs.
var nucleiTemplateSets = map[string][]string{
	"http":  {"cves/", "misconfiguration/", "default-logins/"},
	"https": {"cves/", "misconfiguration/", "default-logins/", "ssl/"},
}

var nucleiCVERe = regexp.MustCompile(`(?i)(CVE-\d{4}-\d{4,})`)

const nucleiTimeout = 300 * time.Second

// NucleiModule shells out to the Nuclei CLI and maps its findings onto
// ShieldFindings. It carries zero weight: spec.md §4.1 lists it as a
// supplementary module that never moves the composite score, only
// supplies extra findings when the binary happens to be installed.
type NucleiModule struct{}

func NewNucleiModule() *NucleiModule { return &NucleiModule{} }

func (m *NucleiModule) Name() string      { return "nuclei" }
func (m *NucleiModule) Weight() int       { return Weights["nuclei"] }
func (m *NucleiModule) IsAvailable() bool {
	_, err := exec.LookPath("nuclei")
	return err == nil
}

type nucleiResult struct {
	TemplateID string `json:"template-id"`
	MatchedAt  string `json:"matched-at"`
	Info       struct {
		Name        string `json:"name"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
	} `json:"info"`
}

func (m *NucleiModule) Scan(ctx context.Context, target string, port int) ([]shield.Finding, error) {
	if !m.IsAvailable() {
		return []shield.Finding{m.finding(shield.SeverityInfo, target,
			"Nuclei scanner not installed",
			"The nuclei binary was not found on PATH.",
			"Install nuclei from https://github.com/projectdiscovery/nuclei to enable this module.")}, nil
	}

	scheme := "http"
	targetURL := target
	if port != 0 {
		if port == 443 || port == 8443 {
			scheme = "https"
		}
		targetURL = fmt.Sprintf("%s://%s:%d", scheme, target, port)
	}

	templates := nucleiTemplateSets[scheme]
	if len(templates) == 0 {
		templates = []string{"cves/", "misconfiguration/"}
	}

	args := []string{
		"-target", targetURL,
		"-json",
		"-rate-limit", "50",
		"-timeout", "10",
		"-severity", "critical,high,medium",
		"-silent",
	}
	for _, t := range templates {
		args = append(args, "-t", t)
	}

	runCtx, cancel := context.WithTimeout(ctx, nucleiTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "nuclei", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	if runCtx.Err() != nil {
		return []shield.Finding{m.finding(shield.SeverityMedium, target,
			"Nuclei scan timeout",
			fmt.Sprintf("nuclei did not complete within the %s budget", nucleiTimeout),
			"Narrow the template set or scan fewer targets per run.")}, nil
	}
	if err != nil {
		return []shield.Finding{m.finding(shield.SeverityInfo, target,
			"Nuclei execution error",
			err.Error(),
			"Verify nuclei is installed correctly and its templates are up to date (nuclei -update-templates).")}, nil
	}

	return parseNucleiOutput(m, target, out.String()), nil
}

func parseNucleiOutput(m *NucleiModule, target, output string) []shield.Finding {
	var findings []shield.Finding
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var res nucleiResult
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			continue
		}

		sev, ok := nucleiSeverityMap[strings.ToLower(res.Info.Severity)]
		if !ok {
			sev = shield.SeverityInfo
		}
		title := res.Info.Name
		if title == "" {
			title = res.TemplateID
		}
		desc := res.Info.Description
		if desc == "" {
			desc = fmt.Sprintf("Nuclei finding: %s", res.TemplateID)
		}

		f := m.finding(sev, target, title, desc,
			fmt.Sprintf("Review the matched Nuclei template (%s) and apply the corresponding vendor fix or configuration change.", res.TemplateID))
		if cve := nucleiCVERe.FindString(res.TemplateID); cve != "" {
			f.CVE = &shield.CVEInfo{ID: strings.ToUpper(cve)}
		}
		f.Mitre = &shield.MitreTag{Technique: "T1190", Tactic: "Initial Access"}
		findings = append(findings, f)
	}
	return findings
}

func (m *NucleiModule) finding(sev shield.Severity, target, title, desc, remediation string) shield.Finding {
	return shield.Finding{
		ID:          idgen.UUID(),
		Module:      m.Name(),
		Severity:    sev,
		Title:       title,
		Description: desc,
		Remediation: remediation,
		TargetIP:    target,
		DetectedAt:  time.Now().UTC(),
	}
}
