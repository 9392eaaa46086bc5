package modules

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/shield"
)

// adminPaths are checked for unauthenticated reachability.
var adminPaths = []string{"/admin", "/manager/html", "/phpmyadmin", "/.env", "/server-status"}

// CredsModule probes common services for missing or default
// authentication (spec.md §4.1.2). It is intrusive and excluded under
// SensitivityCautious/Fragile.
type CredsModule struct{}

func NewCredsModule() *CredsModule { return &CredsModule{} }

func (m *CredsModule) Name() string      { return "creds" }
func (m *CredsModule) Weight() int       { return Weights["creds"] }
func (m *CredsModule) IsAvailable() bool { return true }

func (m *CredsModule) Scan(ctx context.Context, target string, port int) ([]shield.Finding, error) {
	var findings []shield.Finding

	if port == 0 || port == 6379 {
		if f := m.probeRedis(target); f != nil {
			findings = append(findings, *f)
		}
	}
	if port == 0 || port == 27017 {
		if f := m.probeMongo(target); f != nil {
			findings = append(findings, *f)
		}
	}
	if port == 0 || port == 80 || port == 443 || port == 8080 {
		findings = append(findings, m.probeAdminPaths(ctx, target, port)...)
	}

	return findings, nil
}

func (m *CredsModule) probeRedis(target string) *shield.Finding {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(target, "6379"), 3*time.Second)
	if err != nil {
		return nil
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	fmt.Fprintf(conn, "PING\r\n")
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return nil
	}
	if reply == "+PONG\r\n" {
		f := m.finding(shield.SeverityCritical, target, 6379,
			"Redis reachable without authentication",
			"PING succeeded with no AUTH; the instance accepts unauthenticated commands",
			"Enable Redis authentication with a strong password: set 'requirepass' in redis.conf. Bind Redis to localhost or restrict with firewall rules.")
		return &f
	}
	return nil
}

func (m *CredsModule) probeMongo(target string) *shield.Finding {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(target, "27017"), 3*time.Second)
	if err != nil {
		return nil
	}
	defer conn.Close()
	// A bare TCP connect succeeding is a weak signal; MongoDB wire
	// protocol auth is not attempted here (best-effort, per spec.md §11).
	f := m.finding(shield.SeverityMedium, target, 27017,
		"MongoDB port reachable",
		"Port 27017 accepted a connection; authentication was not verified (best-effort check)",
		"Enable MongoDB authentication: set 'security.authorization: enabled' in mongod.conf. Create admin users with strong passwords. Bind to localhost or restrict with firewall rules.")
	return &f
}

func (m *CredsModule) probeAdminPaths(ctx context.Context, target string, port int) []shield.Finding {
	scheme, p := "http", port
	if p == 0 {
		p = 80
	}
	if p == 443 || p == 8443 {
		scheme = "https"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var findings []shield.Finding
	for _, path := range adminPaths {
		url := fmt.Sprintf("%s://%s:%d%s", scheme, target, p, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			findings = append(findings, m.finding(shield.SeverityHigh, target, p,
				fmt.Sprintf("Unauthenticated access to %s", path),
				fmt.Sprintf("%s returned HTTP 200 without credentials", path),
				fmt.Sprintf("Restrict access to %s using authentication and IP whitelisting. Consider removing the admin panel from public-facing servers.", path)))
		}
	}
	return findings
}

func (m *CredsModule) finding(sev shield.Severity, target string, port int, title, desc, remediation string) shield.Finding {
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
