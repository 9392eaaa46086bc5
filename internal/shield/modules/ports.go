package modules

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os/exec"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/shield"
)

// dangerousPorts mirrors spec.md §4.1.2's dangerous-port table.
var dangerousPorts = map[int]string{
	21:    "FTP",
	23:    "Telnet",
	445:   "SMB",
	3389:  "RDP",
	27017: "MongoDB",
	6379:  "Redis",
	5432:  "PostgreSQL",
	3306:  "MySQL",
	11211: "Memcached",
	9200:  "Elasticsearch",
}

var commonPorts = map[int]bool{22: true, 80: true, 443: true}

const excessivePortThreshold = 10

// PortsModule enumerates open TCP ports via nmap and flags dangerous
// or excessive exposure (spec.md §4.1.2).
type PortsModule struct{}

func NewPortsModule() *PortsModule { return &PortsModule{} }

func (m *PortsModule) Name() string    { return "ports" }
func (m *PortsModule) Weight() int     { return Weights["ports"] }
func (m *PortsModule) IsAvailable() bool {
	_, err := exec.LookPath("nmap")
	return err == nil
}

type nmapRun struct {
	XMLName xml.Name   `xml:"nmaprun"`
	Hosts   []nmapHost `xml:"host"`
}

type nmapHost struct {
	Ports nmapPorts `xml:"ports"`
}

type nmapPorts struct {
	Port []nmapPort `xml:"port"`
}

type nmapPort struct {
	PortID int          `xml:"portid,attr"`
	State  nmapPortState `xml:"state"`
}

type nmapPortState struct {
	State string `xml:"state,attr"`
}

func (m *PortsModule) Scan(ctx context.Context, target string, port int) ([]shield.Finding, error) {
	runCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "nmap", "-top-ports", "1000", "-sT", "-sV", "-oX", "-", target)
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	if runCtx.Err() != nil {
		return []shield.Finding{m.finding(shield.SeverityMedium, target, 0,
			"Port Scan Timeout", "nmap did not complete within the 120s budget",
			"The target may be heavily filtered. Try scanning fewer ports.")}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nmap %s: %w", target, err)
	}

	var run nmapRun
	if err := xml.Unmarshal(out.Bytes(), &run); err != nil {
		return nil, fmt.Errorf("parse nmap xml: %w", err)
	}

	var openPorts []int
	for _, h := range run.Hosts {
		for _, p := range h.Ports.Port {
			if p.State.State == "open" {
				openPorts = append(openPorts, p.PortID)
			}
		}
	}

	var findings []shield.Finding
	for _, p := range openPorts {
		switch {
		case dangerousPorts[p] != "":
			findings = append(findings, m.finding(shield.SeverityHigh, target, p,
				fmt.Sprintf("Dangerous port open: %d (%s)", p, dangerousPorts[p]),
				fmt.Sprintf("Port %d (%s) is open and commonly targeted", p, dangerousPorts[p]),
				fmt.Sprintf("Close port %d or restrict access using firewall rules. If %s is required, ensure it is not exposed to the public internet.", p, dangerousPorts[p])))
		case commonPorts[p]:
			findings = append(findings, m.finding(shield.SeverityInfo, target, p,
				fmt.Sprintf("Common port open: %d", p),
				fmt.Sprintf("Port %d is open (expected for this service)", p),
				"No action needed for standard services. Ensure the service is kept up to date."))
		default:
			findings = append(findings, m.finding(shield.SeverityLow, target, p,
				fmt.Sprintf("Open port: %d", p),
				fmt.Sprintf("Port %d is open", p),
				fmt.Sprintf("Verify port %d is intentionally open. Close unnecessary services.", p)))
		}
	}

	if len(openPorts) > excessivePortThreshold {
		findings = append(findings, m.finding(shield.SeverityMedium, target, 0,
			"Excessive open ports",
			fmt.Sprintf("%d ports open, exceeding the %d-port threshold", len(openPorts), excessivePortThreshold),
			"Review all open ports and close unnecessary services. Apply the principle of least privilege to exposed services."))
	}

	return findings, nil
}

func (m *PortsModule) finding(sev shield.Severity, target string, port int, title, desc, remediation string) shield.Finding {
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
