package modules

import (
	"bytes"
	"context"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/shield"
)

// dkimSelectors are probed in the absence of a known selector; most
// providers document one of these in their setup guides.
var dkimSelectors = []string{"default", "google", "selector1", "selector2", "k1", "mail"}

// DNSModule checks mail-auth hygiene (SPF/DKIM/DMARC), CAA pinning, and
// MX reachability (spec.md §4.1.2).
type DNSModule struct{}

func NewDNSModule() *DNSModule { return &DNSModule{} }

func (m *DNSModule) Name() string      { return "dns" }
func (m *DNSModule) Weight() int       { return Weights["dns"] }
func (m *DNSModule) IsAvailable() bool { return true }

func (m *DNSModule) Scan(ctx context.Context, target string, port int) ([]shield.Finding, error) {
	var findings []shield.Finding

	spfFound := false
	if txts, err := net.DefaultResolver.LookupTXT(ctx, target); err == nil {
		for _, t := range txts {
			if strings.HasPrefix(strings.ToLower(t), "v=spf1") {
				spfFound = true
				if strings.Contains(t, "+all") {
					findings = append(findings, m.finding(shield.SeverityHigh, target,
						"Permissive SPF record",
						"SPF record ends in +all, which allows any host to send mail as this domain",
						"Remove the +all mechanism and replace it with -all (hard fail) so unauthorized senders are rejected."))
				}
			}
		}
	}
	if !spfFound {
		findings = append(findings, m.finding(shield.SeverityMedium, target,
			"Missing SPF record",
			"No v=spf1 TXT record found; mail spoofing protection is not configured",
			"Add an SPF TXT record to your DNS. Example: v=spf1 include:_spf.google.com -all"))
	}

	dmarcFound := false
	if txts, err := net.DefaultResolver.LookupTXT(ctx, "_dmarc."+target); err == nil {
		for _, t := range txts {
			if strings.HasPrefix(strings.ToLower(t), "v=dmarc1") {
				dmarcFound = true
				if strings.Contains(strings.ToLower(t), "p=none") {
					findings = append(findings, m.finding(shield.SeverityLow, target,
						"DMARC policy set to none",
						"DMARC is published with p=none, which reports but does not enforce",
						"Change the DMARC policy from p=none to p=quarantine or p=reject. Start with p=quarantine and monitor reports before moving to p=reject."))
				}
			}
		}
	}
	if !dmarcFound {
		findings = append(findings, m.finding(shield.SeverityMedium, target,
			"Missing DMARC record",
			"No _dmarc TXT record found; spoofed mail is not rejected or quarantined",
			"Add a DMARC TXT record at _dmarc.<domain>. Example: v=DMARC1; p=reject; rua=mailto:dmarc@<domain>"))
	}

	dkimFound := false
	for _, sel := range dkimSelectors {
		if txts, err := net.DefaultResolver.LookupTXT(ctx, sel+"._domainkey."+target); err == nil && len(txts) > 0 {
			dkimFound = true
			break
		}
	}
	if !dkimFound {
		findings = append(findings, m.finding(shield.SeverityLow, target,
			"DKIM selector not found",
			"No DKIM TXT record found under common selector names; this is best-effort and may be a false positive",
			"Configure DKIM signing for your email service and publish the DKIM public key as a TXT record at <selector>._domainkey."+target+"."))
	}

	if caaRecords := queryCAA(ctx, target); len(caaRecords) == 0 {
		findings = append(findings, m.finding(shield.SeverityInfo, target,
			"Missing CAA record",
			"No CAA record restricts which certificate authorities may issue for this domain",
			`Add a CAA record to restrict certificate issuance. Example: 0 issue "letsencrypt.org"`))
	}

	mxRecords, err := net.DefaultResolver.LookupMX(ctx, target)
	if err != nil || len(mxRecords) == 0 {
		findings = append(findings, m.finding(shield.SeverityInfo, target,
			"No MX records",
			"Domain has no mail exchangers configured",
			"If this domain sends or receives email, add MX records pointing to a mail provider."))
	}

	return findings, nil
}

// queryCAA shells out to dig, since the standard library has no CAA
// lookup. Absence of the dig binary degrades to "no CAA found" rather
// than failing the module.
func queryCAA(ctx context.Context, domain string) []string {
	path, err := exec.LookPath("dig")
	if err != nil {
		return nil
	}
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, path, "+short", "CAA", domain)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(out.String(), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func (m *DNSModule) finding(sev shield.Severity, target string, title, desc, remediation string) shield.Finding {
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
