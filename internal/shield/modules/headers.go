package modules

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/shield"
)

// requiredHeaders are checked for presence; absence is a finding at the
// given severity.
var requiredHeaders = []struct {
	name        string
	sev         shield.Severity
	desc        string
	remediation string
}{
	{"Strict-Transport-Security", shield.SeverityLow, "enforces HTTPS on future visits",
		"Add the header: Strict-Transport-Security: max-age=31536000; includeSubDomains; preload"},
	{"X-Content-Type-Options", shield.SeverityLow, "prevents MIME-sniffing",
		"Add the header: X-Content-Type-Options: nosniff"},
	{"X-Frame-Options", shield.SeverityMedium, "prevents clickjacking via framing",
		"Add the header: X-Frame-Options: DENY (or SAMEORIGIN if framing is needed)."},
	{"Content-Security-Policy", shield.SeverityMedium, "restricts script/resource origins",
		"Add a Content-Security-Policy header. Start with a report-only policy and tighten as needed: Content-Security-Policy: default-src 'self'"},
	{"Referrer-Policy", shield.SeverityInfo, "controls referrer leakage",
		"Add the header: Referrer-Policy: strict-origin-when-cross-origin"},
}

// infoLeakHeaders are present-but-unwanted: they hand an attacker stack
// fingerprinting data for free.
var infoLeakHeaders = []struct {
	name        string
	remediation string
}{
	{"Server", "Remove or obfuscate the Server header to avoid disclosing version information."},
	{"X-Powered-By", "Remove the X-Powered-By header from server responses."},
	{"X-AspNet-Version", "Remove the X-AspNet-Version header from server responses."},
	{"X-AspNetMvc-Version", "Remove the X-AspNetMvc-Version header from server responses."},
}

// HeadersModule inspects HTTP response headers for missing protections
// and information disclosure (spec.md §4.1.2).
type HeadersModule struct{}

func NewHeadersModule() *HeadersModule { return &HeadersModule{} }

func (m *HeadersModule) Name() string      { return "headers" }
func (m *HeadersModule) Weight() int       { return Weights["headers"] }
func (m *HeadersModule) IsAvailable() bool { return true }

func (m *HeadersModule) Scan(ctx context.Context, target string, port int) ([]shield.Finding, error) {
	scheme, p := "https", port
	if p == 0 {
		p = 443
	}
	url := fmt.Sprintf("%s://%s:%d", scheme, target, p)

	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		url = fmt.Sprintf("http://%s:%d", target, 80)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err = client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("headers probe %s: %w", target, err)
		}
	}
	defer resp.Body.Close()

	var findings []shield.Finding
	for _, h := range requiredHeaders {
		if resp.Header.Get(h.name) == "" {
			findings = append(findings, m.finding(h.sev, target, p,
				fmt.Sprintf("Missing %s header", h.name),
				fmt.Sprintf("%s is absent; it %s", h.name, h.desc),
				h.remediation))
		}
	}

	for _, h := range infoLeakHeaders {
		if v := resp.Header.Get(h.name); v != "" {
			findings = append(findings, m.finding(shield.SeverityInfo, target, p,
				fmt.Sprintf("Information disclosure via %s header", h.name),
				fmt.Sprintf("%s: %s reveals implementation details to scanners", h.name, v),
				h.remediation))
		}
	}

	if cookies := resp.Header.Values("Set-Cookie"); len(cookies) > 0 {
		for _, c := range cookies {
			lower := strings.ToLower(c)
			if !strings.Contains(lower, "secure") || !strings.Contains(lower, "httponly") {
				findings = append(findings, m.finding(shield.SeverityMedium, target, p,
					"Cookie missing Secure/HttpOnly flag",
					"A Set-Cookie response is missing the Secure or HttpOnly attribute",
					"Set the Secure and HttpOnly attributes on every session cookie."))
				break
			}
		}
	}

	return findings, nil
}

func (m *HeadersModule) finding(sev shield.Severity, target string, port int, title, desc, remediation string) shield.Finding {
	return shield.Finding{
		ID:          idgen.UUID(),
		Module:      m.Name(),
		Severity:    sev,
		Title:       title,
		Description: desc,
		Remediation: remediation,
		TargetIP:    target,
		TargetPort:  port,
		DetectedAt:  time.Now().UTC(),
	}
}
