package modules

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/shield"
)

// sqlErrorMarkers are substrings that leak database engine errors back
// to the client, a strong signal of unsanitized query construction.
var sqlErrorMarkers = []string{
	"sql syntax", "mysql_fetch", "ORA-01756", "PostgreSQL.*ERROR",
	"SQLite3::", "Unclosed quotation mark", "pg_query(",
}

// traversalPaths are requested to detect unsanitized path handling.
var traversalPaths = []string{"/../../../../etc/passwd", "/..%2f..%2f..%2fetc%2fpasswd"}

// OWASPModule runs a small set of non-destructive probes for the most
// common OWASP Top 10 web weaknesses (spec.md §4.1.2). Every request is
// read-only: a single quote or relative path segment, never a payload
// that mutates state.
type OWASPModule struct{}

func NewOWASPModule() *OWASPModule { return &OWASPModule{} }

func (m *OWASPModule) Name() string      { return "owasp" }
func (m *OWASPModule) Weight() int       { return Weights["owasp"] }
func (m *OWASPModule) IsAvailable() bool { return true }

func (m *OWASPModule) Scan(ctx context.Context, target string, port int) ([]shield.Finding, error) {
	scheme, p := "http", port
	if p == 0 {
		p = 80
	}
	if p == 443 || p == 8443 {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s:%d", scheme, target, p)

	client := &http.Client{
		Timeout: 8 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var findings []shield.Finding
	findings = append(findings, m.probeSQLi(ctx, client, base)...)
	findings = append(findings, m.probeTraversal(ctx, client, base)...)
	findings = append(findings, m.probeXSS(ctx, client, base)...)
	findings = append(findings, m.probeOpenRedirect(ctx, client, base)...)
	findings = append(findings, m.probeInfoDisclosure(ctx, client, base)...)
	return findings, nil
}

func (m *OWASPModule) probeSQLi(ctx context.Context, client *http.Client, base string) []shield.Finding {
	url := base + "/?id=1'"
	body, status, err := get(ctx, client, url)
	if err != nil || status == 0 {
		return nil
	}
	lower := strings.ToLower(body)
	for _, marker := range sqlErrorMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return []shield.Finding{m.finding(shield.SeverityCritical, base,
				"Possible SQL injection",
				fmt.Sprintf("A single-quote probe returned a database error matching %q", marker),
				"Use parameterized queries or prepared statements. Never concatenate user input into SQL queries. Implement input validation and use an ORM where possible.")}
		}
	}
	return nil
}

func (m *OWASPModule) probeTraversal(ctx context.Context, client *http.Client, base string) []shield.Finding {
	var findings []shield.Finding
	for _, path := range traversalPaths {
		body, status, err := get(ctx, client, base+path)
		if err != nil {
			continue
		}
		if status == http.StatusOK && strings.Contains(body, "root:") {
			findings = append(findings, m.finding(shield.SeverityCritical, base,
				"Path traversal",
				fmt.Sprintf("Request to %s returned file contents outside the web root", path),
				"Validate and sanitize all file path inputs. Use a whitelist of allowed file paths. Run the application with minimal file system permissions."))
			break
		}
	}
	return findings
}

func (m *OWASPModule) probeXSS(ctx context.Context, client *http.Client, base string) []shield.Finding {
	marker := "shld<script>xsprobe</script>"
	url := base + "/?q=" + marker
	body, _, err := get(ctx, client, url)
	if err != nil {
		return nil
	}
	if strings.Contains(body, "<script>xsprobe</script>") {
		return []shield.Finding{m.finding(shield.SeverityHigh, base,
			"Reflected input without encoding",
			"A script-tag marker was reflected verbatim in the response body, suggesting missing output encoding",
			"Implement proper output encoding/escaping for all user-controlled data. Use Content-Security-Policy headers. Consider using a template engine with auto-escaping enabled.")}
	}
	return nil
}

func (m *OWASPModule) probeOpenRedirect(ctx context.Context, client *http.Client, base string) []shield.Finding {
	for _, param := range []string{"next", "url", "redirect", "return_to"} {
		url := fmt.Sprintf("%s/?%s=https://shield-redirect-probe.invalid", base, param)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if resp.StatusCode >= 300 && resp.StatusCode < 400 && strings.Contains(loc, "shield-redirect-probe.invalid") {
			return []shield.Finding{m.finding(shield.SeverityMedium, base,
				"Open redirect",
				fmt.Sprintf("Parameter %q redirected to an attacker-controlled external URL", param),
				"Validate redirect URLs against a whitelist of allowed domains. Never use user-supplied URLs directly for redirects.")}
		}
	}
	return nil
}

func (m *OWASPModule) probeInfoDisclosure(ctx context.Context, client *http.Client, base string) []shield.Finding {
	var findings []shield.Finding
	for _, path := range []string{"/.git/config", "/.git/HEAD", "/backup.zip", "/debug"} {
		body, status, err := get(ctx, client, base+path)
		if err != nil || status != http.StatusOK {
			continue
		}
		if path == "/.git/HEAD" && !strings.HasPrefix(body, "ref:") {
			continue
		}
		findings = append(findings, m.finding(shield.SeverityMedium, base,
			fmt.Sprintf("Exposed sensitive path: %s", path),
			fmt.Sprintf("%s is reachable and returned HTTP 200", path),
			fmt.Sprintf("Remove or restrict access to %s. Configure the web server to deny access to sensitive paths. Ensure debug/development features are disabled in production.", path)))
	}
	return findings
}

func get(ctx context.Context, client *http.Client, url string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(b), resp.StatusCode, nil
}

func (m *OWASPModule) finding(sev shield.Severity, target, title, desc, remediation string) shield.Finding {
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
