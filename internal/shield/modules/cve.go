package modules

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/shield"
)

// cpeTable maps a banner service prefix to (vendor, product) for NVD lookups.
var cpeTable = map[string][2]string{
	"nginx":      {"nginx", "nginx"},
	"apache":     {"apache", "http_server"},
	"openssh":    {"openbsd", "openssh"},
	"mysql":      {"mysql", "mysql"},
	"postgresql": {"postgresql", "postgresql"},
	"redis":      {"redislabs", "redis"},
	"mongodb":    {"mongodb", "mongodb"},
	"tomcat":     {"apache", "tomcat"},
	"postfix":    {"postfix", "postfix"},
}

var bannerVersionRe = regexp.MustCompile(`[/_\s-]?(\d+(?:\.\d+)+(?:p\d+)?)`)

// nvdRateLimiter serializes NVD requests to honor its rate limit
// (6s between requests, 0.6s with an API key).
type nvdRateLimiter struct {
	mu       sync.Mutex
	last     time.Time
	interval time.Duration
}

func (l *nvdRateLimiter) wait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if since := time.Since(l.last); since < l.interval {
		time.Sleep(l.interval - since)
	}
	l.last = time.Now()
}

// kevCache is a process-wide, read-mostly cache of the CISA KEV
// catalog, refreshed at most once per 24h with single-flight semantics.
type kevCache struct {
	mu          sync.Mutex
	ids         map[string]bool
	lastFetched time.Time
	refreshing  bool
}

var globalKEVCache = &kevCache{}

func (c *kevCache) contains(ctx context.Context, cveID string) bool {
	c.mu.Lock()
	fresh := time.Since(c.lastFetched) < 24*time.Hour
	refreshing := c.refreshing
	if !fresh && !refreshing {
		c.refreshing = true
	}
	needRefresh := !fresh && !refreshing
	ids := c.ids
	c.mu.Unlock()

	if needRefresh {
		fetched := fetchKEV(ctx)
		c.mu.Lock()
		c.ids = fetched
		c.lastFetched = time.Now()
		c.refreshing = false
		ids = c.ids
		c.mu.Unlock()
	}
	return ids[cveID]
}

func fetchKEV(ctx context.Context) map[string]bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json", nil)
	if err != nil {
		return map[string]bool{}
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return map[string]bool{}
	}
	defer resp.Body.Close()

	var payload struct {
		Vulnerabilities []struct {
			CveID string `json:"cveID"`
		} `json:"vulnerabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return map[string]bool{}
	}
	ids := make(map[string]bool, len(payload.Vulnerabilities))
	for _, v := range payload.Vulnerabilities {
		ids[v.CveID] = true
	}
	return ids
}

type nvdCVEItem struct {
	CVE struct {
		ID string `json:"id"`
	} `json:"cve"`
	Metrics struct {
		CvssV31 []struct {
			CvssData struct {
				BaseScore float64 `json:"baseScore"`
			} `json:"cvssData"`
		} `json:"cvssMetricV31"`
	} `json:"metrics"`
}

type nvdResponse struct {
	Vulnerabilities []struct {
		Cve nvdCVEItem `json:"cve"`
	} `json:"vulnerabilities"`
}

// CVEModule maps service banners to CPEs, queries NVD, enriches with
// EPSS/KEV, and prioritizes per spec.md §4.1.2.
type CVEModule struct {
	limiter *nvdRateLimiter
	kev     *kevCache
	probePorts []int
}

func NewCVEModule() *CVEModule {
	interval := 6 * time.Second
	if os.Getenv("NVD_API_KEY") != "" {
		interval = 600 * time.Millisecond
	}
	return &CVEModule{
		limiter:    &nvdRateLimiter{interval: interval},
		kev:        globalKEVCache,
		probePorts: []int{80, 443, 8080, 8443, 21, 22, 25, 3306, 5432, 6379, 27017},
	}
}

func (m *CVEModule) Name() string      { return "cve" }
func (m *CVEModule) Weight() int       { return Weights["cve"] }
func (m *CVEModule) IsAvailable() bool { return true }

func (m *CVEModule) Scan(ctx context.Context, target string, port int) ([]shield.Finding, error) {
	ports := m.probePorts
	if port != 0 {
		ports = []int{port}
	}

	var findings []shield.Finding
	for _, p := range ports {
		banner, ok := grabBanner(target, p)
		if !ok {
			continue
		}
		vendor, product, ok := matchCPE(banner)
		if !ok {
			continue
		}
		version := extractVersion(banner)
		if version == "" {
			continue
		}

		m.limiter.wait()
		cves, err := queryNVD(ctx, vendor, product, version)
		if err != nil {
			findings = append(findings, shield.Finding{
				ID: idgen.UUID(), Module: m.Name(), Severity: shield.SeverityInfo,
				Title: "CVE lookup unavailable", Description: err.Error(),
				Remediation: "Check network connectivity or set NVD_API_KEY environment variable.",
				TargetIP: target, TargetPort: p, DetectedAt: time.Now().UTC(),
			})
			continue
		}

		for _, c := range cves {
			epss := fetchEPSS(ctx, c.CVE.ID)
			inKEV := m.kev.contains(ctx, c.CVE.ID)
			cvss := bestCVSS(c)
			sev := prioritize(cvss, epss, inKEV)

			f := shield.Finding{
				ID:          idgen.UUID(),
				Module:      m.Name(),
				Severity:    sev,
				Title:       fmt.Sprintf("Vulnerable %s %s (%s)", product, version, c.CVE.ID),
				Description: fmt.Sprintf("%s detected on port %d matches %s (CVSS %.1f)", product, p, c.CVE.ID, cvss),
				Remediation: cveRemediation(product, cvss, inKEV),
				TargetIP:    target,
				TargetPort:  p,
				CVE:         &shield.CVEInfo{ID: c.CVE.ID, CVSS: cvss, EPSS: epss, InKEV: inKEV},
				DetectedAt:  time.Now().UTC(),
			}
			f.Mitre = mitreFor(p)
			findings = append(findings, f)
		}
	}
	return findings, nil
}

// cveRemediation builds an "Update X" remediation string, appending a
// KEV patch-now warning and a critical-severity note when they apply.
func cveRemediation(product string, cvss float64, inKEV bool) string {
	r := fmt.Sprintf("Update %s to the latest version.", product)
	if inKEV {
		r += " This CVE is in CISA's Known Exploited Vulnerabilities catalog -- patch immediately."
	}
	if cvss >= 9.0 {
		r += " This is a critical-severity vulnerability."
	}
	return r
}

func mitreFor(port int) *shield.MitreTag {
	switch port {
	case 22, 3389, 5900:
		return &shield.MitreTag{Technique: "T1133", Tactic: "Persistence"}
	case 80, 443, 8080, 8443:
		return &shield.MitreTag{Technique: "T1190", Tactic: "Initial Access"}
	default:
		return nil
	}
}

func prioritize(cvss, epss float64, inKEV bool) shield.Severity {
	switch {
	case cvss >= 9.0 && (epss >= 0.5 || inKEV):
		return shield.SeverityCritical
	case cvss >= 7.0 || (epss >= 0.3 && cvss >= 4.0) || inKEV:
		return shield.SeverityHigh
	case cvss >= 4.0:
		return shield.SeverityMedium
	case cvss > 0:
		return shield.SeverityLow
	default:
		return shield.SeverityInfo
	}
}

func bestCVSS(item struct {
	Cve nvdCVEItem `json:"cve"`
}) float64 {
	if len(item.Cve.Metrics.CvssV31) == 0 {
		return 0
	}
	return item.Cve.Metrics.CvssV31[0].CvssData.BaseScore
}

func matchCPE(banner string) (vendor, product string, ok bool) {
	lower := strings.ToLower(banner)
	for prefix, vp := range cpeTable {
		if strings.Contains(lower, prefix) {
			return vp[0], vp[1], true
		}
	}
	return "", "", false
}

func extractVersion(banner string) string {
	m := bannerVersionRe.FindStringSubmatch(banner)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func grabBanner(target string, port int) (string, bool) {
	if port == 80 || port == 443 || port == 8080 || port == 8443 {
		scheme := "http"
		if port == 443 || port == 8443 {
			scheme = "https"
		}
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Head(fmt.Sprintf("%s://%s:%d", scheme, target, port))
		if err != nil {
			return "", false
		}
		defer resp.Body.Close()
		return resp.Header.Get("Server"), resp.Header.Get("Server") != ""
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", target, port), 5*time.Second)
	if err != nil {
		return "", false
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimSpace(line), line != ""
}

func queryNVD(ctx context.Context, vendor, product, version string) ([]struct {
	Cve nvdCVEItem `json:"cve"`
}, error) {
	cpe := fmt.Sprintf("cpe:2.3:a:%s:%s:%s:*:*:*:*:*:*:*", vendor, product, version)
	url := fmt.Sprintf("https://services.nvd.nist.gov/rest/json/cves/2.0?cpeName=%s", cpe)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if key := os.Getenv("NVD_API_KEY"); key != "" {
		req.Header.Set("apiKey", key)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nvd request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("nvd unavailable: HTTP %d", resp.StatusCode)
	}

	var parsed nvdResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode nvd response: %w", err)
	}
	return parsed.Vulnerabilities, nil
}

func fetchEPSS(ctx context.Context, cveID string) float64 {
	url := fmt.Sprintf("https://api.first.org/data/v1/epss?cve=%s", cveID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []struct {
			EPSS string `json:"epss"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || len(parsed.Data) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(parsed.Data[0].EPSS, 64)
	if err != nil {
		return 0
	}
	return v
}
