// Package modules implements the Shield module contract and the
// concrete security probes (TLS, ports, CVE, headers, DNS, credentials,
// OWASP). The orchestrator never inspects a module's internals — it
// only calls Name, Weight, IsAvailable, and Scan.
package modules

import (
	"context"

	"github.com/bigr-shield/sentinel/internal/shield"
)

// Module is the contract every Shield probe implements.
type Module interface {
	Name() string
	Weight() int
	IsAvailable() bool
	Scan(ctx context.Context, target string, port int) ([]shield.Finding, error)
}

// Weights mirrors spec.md §4.1's module weight table and is also used
// by the scorer to renormalize the composite score.
var Weights = map[string]int{
	"tls":     20,
	"ports":   20,
	"cve":     25,
	"headers": 10,
	"dns":     10,
	"creds":   10,
	"owasp":   5,
	// nuclei is supplementary: it contributes findings but carries zero
	// weight, so it never moves the composite score (spec.md §4.1).
	"nuclei": 0,
}

// DepthModules is the default module set per scan depth (spec.md §4.1).
var DepthModules = map[shield.Depth][]string{
	shield.DepthQuick:    {"tls"},
	shield.DepthStandard: {"tls", "ports", "headers", "dns"},
	shield.DepthDeep:     {"tls", "ports", "cve", "headers", "dns", "creds", "owasp", "nuclei"},
}

// passiveOnly is the module set allowed under SensitivityFragile.
var passiveOnly = map[string]bool{"tls": true, "dns": true, "headers": true}

// intrusive is excluded under SensitivityCautious. Nuclei launches
// active vulnerability templates against the target, so it is treated
// the same as creds/owasp/cve.
var intrusive = map[string]bool{"creds": true, "owasp": true, "cve": true, "nuclei": true}

// FilterBySensitivity applies spec.md §4.1's sensitivity filter to an
// already-selected module list.
func FilterBySensitivity(names []string, s shield.Sensitivity) []string {
	switch s {
	case shield.SensitivityFragile:
		out := make([]string, 0, len(names))
		for _, n := range names {
			if passiveOnly[n] {
				out = append(out, n)
			}
		}
		return out
	case shield.SensitivityCautious:
		out := make([]string, 0, len(names))
		for _, n := range names {
			if !intrusive[n] {
				out = append(out, n)
			}
		}
		return out
	default:
		return names
	}
}

// Registry holds the name-keyed module table. It is injectable so
// tests can substitute fakes (spec.md §9).
type Registry struct {
	modules map[string]Module
}

// NewRegistry builds a registry from the given modules, keyed by Name().
func NewRegistry(mods ...Module) *Registry {
	r := &Registry{modules: make(map[string]Module, len(mods))}
	for _, m := range mods {
		r.modules[m.Name()] = m
	}
	return r
}

// Get returns the module registered under name, if any.
func (r *Registry) Get(name string) (Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}

// Default builds the registry of production Shield modules.
func Default() *Registry {
	return NewRegistry(
		NewTLSModule(),
		NewPortsModule(),
		NewCVEModule(),
		NewHeadersModule(),
		NewDNSModule(),
		NewCredsModule(),
		NewOWASPModule(),
		NewNucleiModule(),
	)
}
