package firewall

import "context"

// Adapter is the platform enforcement seam: Engine only decides
// allow/block, an Adapter is what actually programs the OS firewall
// (nftables, pf, WFP). Kernel/platform integration is out of scope
// (spec.md Non-goals), so the only implementation shipped here is the
// no-op below; a real deployment supplies its own.
type Adapter interface {
	// ApplyRule installs r in the underlying platform firewall.
	ApplyRule(ctx context.Context, r Rule) error
	// RemoveRule uninstalls a previously applied rule.
	RemoveRule(ctx context.Context, r Rule) error
	// Name identifies the adapter for logging.
	Name() string
}

// NoopAdapter satisfies Adapter without touching the host firewall.
// It is the default for every platform this module supports out of
// the box; it exists so the engine and service can be exercised and
// tested without privileged access to nftables/pf/WFP.
type NoopAdapter struct{}

func NewNoopAdapter() *NoopAdapter { return &NoopAdapter{} }

func (NoopAdapter) Name() string { return "noop" }

func (NoopAdapter) ApplyRule(ctx context.Context, r Rule) error { return nil }

func (NoopAdapter) RemoveRule(ctx context.Context, r Rule) error { return nil }
