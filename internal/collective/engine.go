package collective

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"
)

// defaultTTL is how long a signal stays eligible for aggregation before
// cleanup removes it (spec.md §4.4).
const defaultTTL = 72 * time.Hour

// SignalStore persists noised signals and supports the engine's
// window queries and cleanup sweep.
type SignalStore interface {
	InsertSignal(ctx context.Context, s SignalRecord) error
	SignalsSince(ctx context.Context, cutoff time.Time) ([]SignalRecord, error)
	SignalCountByAgent(ctx context.Context, agentHash string) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// SignalRecord is the store-facing shape of a persisted signal.
// Exported so internal/store can implement SignalStore without this
// package exposing its internal storedSignal type.
type SignalRecord struct {
	SubnetHash string
	SignalType string
	Severity   float64
	AgentHash  string
	ReportedAt time.Time
}

// Engine manages the anonymized threat-signal lifecycle: privacy-pipe
// every submission, aggregate into k-anonymous reports, expose only
// verified ones. A direct port of
// original_source/bigr/collective/engine.py's CollectiveEngine.
type Engine struct {
	store   SignalStore
	privacy *DifferentialPrivacy
}

func NewEngine(store SignalStore, epsilon float64, kAnonymity int) (*Engine, error) {
	dp, err := NewDifferentialPrivacy(epsilon, kAnonymity)
	if err != nil {
		return nil, err
	}
	return &Engine{store: store, privacy: dp}, nil
}

// SubmitSignal runs signal through randomized response, then (if not
// suppressed) adds Laplace noise to its severity and persists it.
func (e *Engine) SubmitSignal(ctx context.Context, signal ThreatSignal) (SubmitResult, error) {
	shouldReport := e.privacy.RandomizedResponse(true)
	if !shouldReport {
		return SubmitResult{Status: "suppressed", Reason: "privacy_randomization"}, nil
	}

	noised := e.privacy.AddNoiseToSeverity(signal.Severity)

	reportedAt := signal.Timestamp
	if reportedAt.IsZero() {
		reportedAt = time.Now().UTC()
	}

	rec := SignalRecord{
		SubnetHash: signal.SubnetHash,
		SignalType: signal.SignalType,
		Severity:   noised,
		AgentHash:  signal.AgentHash,
		ReportedAt: reportedAt,
	}
	if err := e.store.InsertSignal(ctx, rec); err != nil {
		return SubmitResult{}, fmt.Errorf("persist collective signal: %w", err)
	}

	log.Printf("[collective] signal stored: type=%s severity=%.2f (noised)", signal.SignalType, noised)

	return SubmitResult{
		Status:         "accepted",
		NoisedSeverity: noised,
		SignalType:     signal.SignalType,
	}, nil
}

// GetCommunityThreats returns verified reports (k-anonymity met) with
// confidence at least minConfidence.
func (e *Engine) GetCommunityThreats(ctx context.Context, minConfidence float64) ([]Report, error) {
	rows, err := e.store.SignalsSince(ctx, time.Now().UTC().Add(-defaultTTL))
	if err != nil {
		return nil, fmt.Errorf("load signals: %w", err)
	}

	reports := e.aggregate(rows)

	out := make([]Report, 0, len(reports))
	for _, r := range reports {
		if r.IsVerified && r.Confidence >= minConfidence {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetFeed returns up to limit of the most recently updated verified
// reports.
func (e *Engine) GetFeed(ctx context.Context, limit int) ([]Report, error) {
	rows, err := e.store.SignalsSince(ctx, time.Now().UTC().Add(-defaultTTL))
	if err != nil {
		return nil, fmt.Errorf("load signals: %w", err)
	}

	reports := e.aggregate(rows)
	verified := make([]Report, 0, len(reports))
	for _, r := range reports {
		if r.IsVerified {
			verified = append(verified, r)
		}
	}
	sort.Slice(verified, func(i, j int) bool {
		return verified[i].LastSeen.After(verified[j].LastSeen)
	})
	if len(verified) > limit {
		verified = verified[:limit]
	}
	return verified, nil
}

// GetStats computes the network-wide summary, including the
// community-health gauge.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	now := time.Now().UTC()
	rows72h, err := e.store.SignalsSince(ctx, now.Add(-defaultTTL))
	if err != nil {
		return Stats{}, fmt.Errorf("load 72h signals: %w", err)
	}
	rows24h, err := e.store.SignalsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return Stats{}, fmt.Errorf("load 24h signals: %w", err)
	}

	activeAgents := distinctCount(rows24h, func(r SignalRecord) string { return r.AgentHash })
	subnets := distinctCount(rows72h, func(r SignalRecord) string { return r.SubnetHash })

	reports := e.aggregate(rows72h)
	verifiedCount := 0
	for _, r := range reports {
		if r.IsVerified {
			verifiedCount++
		}
	}

	agentScore := min(30.0, float64(activeAgents)*5.0)
	threatScore := min(30.0, float64(verifiedCount)*3.0)
	subnetScore := min(20.0, float64(subnets)*2.0)
	protection := round2(min(100.0, 20.0+agentScore+threatScore+subnetScore))

	return Stats{
		TotalSignals:             len(rows72h),
		ActiveAgents:             activeAgents,
		VerifiedThreats:          verifiedCount,
		SubnetsMonitored:         subnets,
		CommunityProtectionScore: protection,
		LastUpdated:              now,
	}, nil
}

// GetContributionStatus reports one agent's participation.
func (e *Engine) GetContributionStatus(ctx context.Context, agentHash string) (ContributionStatus, error) {
	contributed, err := e.store.SignalCountByAgent(ctx, agentHash)
	if err != nil {
		return ContributionStatus{}, fmt.Errorf("count agent signals: %w", err)
	}

	rows, err := e.store.SignalsSince(ctx, time.Now().UTC().Add(-defaultTTL))
	if err != nil {
		return ContributionStatus{}, fmt.Errorf("load signals: %w", err)
	}
	reports := e.aggregate(rows)
	received := 0
	for _, r := range reports {
		if r.IsVerified {
			received++
		}
	}

	isContributing := contributed > 0
	return ContributionStatus{
		SignalsContributed: contributed,
		SignalsReceived:    received,
		IsContributing:     isContributing,
		OptIn:              isContributing,
		PrivacyLevel:       "standard",
	}, nil
}

// CleanupExpired deletes signals older than maxAge (default 72h).
func (e *Engine) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = defaultTTL
	}
	deleted, err := e.store.DeleteOlderThan(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("cleanup expired signals: %w", err)
	}
	if deleted > 0 {
		log.Printf("[collective] cleaned up %d expired signal(s)", deleted)
	}
	return deleted, nil
}

// aggregate groups raw signals by (subnet_hash, signal_type) and
// computes reporter_count, avg_severity, consistency, confidence, and
// verification for each group.
func (e *Engine) aggregate(rows []SignalRecord) []Report {
	type key struct{ subnet, signalType string }
	groups := make(map[key][]SignalRecord)
	for _, r := range rows {
		k := key{r.SubnetHash, r.SignalType}
		groups[k] = append(groups[k], r)
	}

	reports := make([]Report, 0, len(groups))
	for k, group := range groups {
		agents := make(map[string]struct{}, len(group))
		var sum float64
		first, last := group[0].ReportedAt, group[0].ReportedAt
		for _, s := range group {
			agents[s.AgentHash] = struct{}{}
			sum += s.Severity
			if s.ReportedAt.Before(first) {
				first = s.ReportedAt
			}
			if s.ReportedAt.After(last) {
				last = s.ReportedAt
			}
		}
		reporterCount := len(agents)
		avgSeverity := round2(sum / float64(len(group)))

		var consistency float64
		if len(group) > 1 {
			var variance float64
			for _, s := range group {
				d := s.Severity - avgSeverity
				variance += d * d
			}
			variance /= float64(len(group))
			stdDev := math.Sqrt(variance)
			consistency = round2(max(0.0, 1.0-stdDev))
		} else {
			consistency = 0.5
		}

		confidence := e.privacy.CalculateConfidence(reporterCount, consistency)
		isVerified := e.privacy.MeetsKAnonymity(reporterCount)

		reports = append(reports, Report{
			SubnetHash:    k.subnet,
			SignalType:    k.signalType,
			ReporterCount: reporterCount,
			AvgSeverity:   avgSeverity,
			FirstSeen:     first,
			LastSeen:      last,
			Confidence:    confidence,
			IsVerified:    isVerified,
		})
	}
	return reports
}

func distinctCount(rows []SignalRecord, key func(SignalRecord) string) int {
	seen := make(map[string]struct{})
	for _, r := range rows {
		seen[key(r)] = struct{}{}
	}
	return len(seen)
}
