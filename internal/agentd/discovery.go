package agentd

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os/exec"
	"time"
)

// DiscoveredAsset is one host nmap's ping sweep found alive, with
// whatever additional detail -sn could infer without a full probe.
type DiscoveredAsset struct {
	IP       string `json:"ip"`
	MAC      string `json:"mac,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
}

type nmapDiscoveryRun struct {
	XMLName xml.Name           `xml:"nmaprun"`
	Hosts   []nmapDiscoveryHost `xml:"host"`
}

type nmapDiscoveryHost struct {
	Addresses []nmapAddress  `xml:"address"`
	Hostnames nmapHostnames  `xml:"hostnames"`
}

type nmapAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
	Vendor   string `xml:"vendor,attr"`
}

type nmapHostnames struct {
	Hostname []nmapHostname `xml:"hostname"`
}

type nmapHostname struct {
	Name string `xml:"name,attr"`
}

// DiscoveryScanner runs nmap's ping sweep (-sn) against a target
// (CIDR, IP, or domain) and returns the hosts found alive. A direct
// Go rendition of original_source/bigr/agent/scanner.py's
// subprocess-based discovery sweep, sharing the 120s hard timeout
// spec.md §5 sets for nmap invocations.
type DiscoveryScanner struct{}

func NewDiscoveryScanner() *DiscoveryScanner { return &DiscoveryScanner{} }

// IsAvailable reports whether nmap is on PATH, the same presence
// check Shield's ports module uses.
func (s *DiscoveryScanner) IsAvailable() bool {
	_, err := exec.LookPath("nmap")
	return err == nil
}

// Scan runs the ping sweep and parses XML output for live hosts.
func (s *DiscoveryScanner) Scan(ctx context.Context, target string) ([]DiscoveredAsset, error) {
	runCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "nmap", "-sn", "-oX", "-", target)
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	if runCtx.Err() != nil {
		return nil, fmt.Errorf("discovery sweep of %s timed out after 120s", target)
	}
	if err != nil {
		return nil, fmt.Errorf("nmap -sn %s: %w", target, err)
	}

	var run nmapDiscoveryRun
	if err := xml.Unmarshal(out.Bytes(), &run); err != nil {
		return nil, fmt.Errorf("parse nmap discovery xml: %w", err)
	}

	var assets []DiscoveredAsset
	for _, h := range run.Hosts {
		asset := DiscoveredAsset{}
		for _, a := range h.Addresses {
			switch a.AddrType {
			case "ipv4", "ipv6":
				asset.IP = a.Addr
			case "mac":
				asset.MAC = a.Addr
				asset.Vendor = a.Vendor
			}
		}
		if len(h.Hostnames.Hostname) > 0 {
			asset.Hostname = h.Hostnames.Hostname[0].Name
		}
		if asset.IP != "" {
			assets = append(assets, asset)
		}
	}
	return assets, nil
}
