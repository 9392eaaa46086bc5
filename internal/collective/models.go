// Package collective implements the differential-privacy "Waze effect"
// threat-sharing network (spec.md §4.4): agents submit anonymized
// signals, the engine aggregates them into k-anonymous community
// reports, and only verified reports are ever exposed.
package collective

import "time"

// ThreatSignal is an anonymized signal submitted by one agent. The
// caller has already hashed SubnetHash and AgentHash before this
// reaches the engine — the engine never sees a raw subnet or agent ID.
type ThreatSignal struct {
	SubnetHash string    `json:"subnet_hash"`
	SignalType string    `json:"signal_type"` // port_scan, malware_c2, brute_force, suspicious
	Severity   float64   `json:"severity"`    // 0.0-1.0, pre-noise
	Port       *int      `json:"port,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	AgentHash  string    `json:"agent_hash"`
}

// Report is the aggregated, community-visible view of one (subnet,
// signal_type) group. Only published once IsVerified.
type Report struct {
	SubnetHash    string    `json:"subnet_hash"`
	SignalType    string    `json:"signal_type"`
	ReporterCount int       `json:"reporter_count"`
	AvgSeverity   float64   `json:"avg_severity"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Confidence    float64   `json:"confidence"`
	IsVerified    bool      `json:"is_verified"`
}

// Stats is the network-wide collective intelligence summary.
type Stats struct {
	TotalSignals             int       `json:"total_signals"`
	ActiveAgents             int       `json:"active_agents"`
	VerifiedThreats          int       `json:"verified_threats"`
	SubnetsMonitored         int       `json:"subnets_monitored"`
	CommunityProtectionScore float64   `json:"community_protection_score"`
	LastUpdated              time.Time `json:"last_updated"`
}

// ContributionStatus reports one agent's participation in the network.
type ContributionStatus struct {
	SignalsContributed int    `json:"signals_contributed"`
	SignalsReceived    int    `json:"signals_received"`
	IsContributing     bool   `json:"is_contributing"`
	OptIn              bool   `json:"opt_in"`
	PrivacyLevel       string `json:"privacy_level"`
}

// SubmitResult is what SubmitSignal returns to the caller.
type SubmitResult struct {
	Status         string  `json:"status"` // "accepted" or "suppressed"
	Reason         string  `json:"reason,omitempty"`
	NoisedSeverity float64 `json:"noised_severity,omitempty"`
	SignalType     string  `json:"signal_type,omitempty"`
}

// HashSubnet and HashAgentID are the anonymization step callers run
// before constructing a ThreatSignal: HMAC-SHA256 keyed by a
// deployment-wide secret so signals can be correlated without
// revealing the underlying subnet or agent identity.
func HashSubnet(key, subnetCIDR string) string { return hmacHex(key, subnetCIDR) }
func HashAgentID(key, agentID string) string   { return hmacHex(key, agentID) }
