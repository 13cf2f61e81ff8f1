// Package peerselection scores and ranks candidate peers/sources for a
// download, combining reliability, latency, bandwidth, uptime, and
// malicious-behavior reports into a single quality score per strategy.
package peerselection

import (
	"sort"
	"sync"
	"time"
)

// Metrics is the running performance record for one peer.
type Metrics struct {
	PeerID                string
	Address               string
	LatencyMs             *uint64
	BandwidthKbps         *uint64
	ReliabilityScore      float64
	UptimeScore           float64
	SuccessRate           float64
	LastSeen              time.Time
	TransferCount         uint64
	SuccessfulTransfers   uint64
	FailedTransfers       uint64
	TotalBytesTransferred uint64
	EncryptionSupport     bool
	MaliciousReports      uint64
	Protocols             []string
}

// NewMetrics starts a peer at a neutral 0.5 reliability/uptime/success-rate.
func NewMetrics(peerID, address string) *Metrics {
	return &Metrics{
		PeerID:           peerID,
		Address:          address,
		ReliabilityScore: 0.5,
		UptimeScore:      0.5,
		SuccessRate:      0.5,
		LastSeen:         time.Now(),
	}
}

// FailureKind classifies a transfer failure for the penalty schedule in
// RecordFailedTransfer.
type FailureKind string

const (
	FailureTimeout            FailureKind = "timeout"
	FailureConnectionRefused  FailureKind = "connection_refused"
	FailureEncryptionError    FailureKind = "encryption_error"
	FailureOther              FailureKind = "other"
)

// MaliciousSeverity classifies a malicious-behavior report for the penalty
// schedule in ReportMaliciousBehavior.
type MaliciousSeverity string

const (
	SeverityMinor    MaliciousSeverity = "minor"
	SeverityModerate MaliciousSeverity = "moderate"
	SeveritySevere   MaliciousSeverity = "severe"
)

// RecordSuccessfulTransfer folds a completed transfer into the peer's
// bandwidth moving average and recalculates derived scores.
func (m *Metrics) RecordSuccessfulTransfer(bytes uint64, duration time.Duration) {
	m.TransferCount++
	m.SuccessfulTransfers++
	m.TotalBytesTransferred += bytes
	m.LastSeen = time.Now()

	if ms := duration.Milliseconds(); ms > 0 {
		bandwidth := (bytes * 8) / uint64(ms)
		if m.BandwidthKbps == nil {
			m.BandwidthKbps = &bandwidth
		} else {
			avg := (*m.BandwidthKbps + bandwidth) / 2
			m.BandwidthKbps = &avg
		}
	}
	m.recomputeSuccessRate()
}

// RecordFailedTransfer applies a penalty scaled by how serious the failure
// kind is and recalculates derived scores.
func (m *Metrics) RecordFailedTransfer(kind FailureKind) {
	m.TransferCount++
	m.FailedTransfers++
	m.LastSeen = time.Now()

	penalty := 0.05
	switch kind {
	case FailureTimeout:
		penalty = 0.1
	case FailureConnectionRefused:
		penalty = 0.2
	case FailureEncryptionError:
		penalty = 0.15
	}
	m.ReliabilityScore = clamp01(m.ReliabilityScore - penalty)
	m.recomputeSuccessRate()
}

// UpdateLatency folds a fresh latency sample into the moving average.
func (m *Metrics) UpdateLatency(latencyMs uint64) {
	if m.LatencyMs == nil {
		m.LatencyMs = &latencyMs
	} else {
		avg := (*m.LatencyMs + latencyMs) / 2
		m.LatencyMs = &avg
	}
	m.LastSeen = time.Now()
}

// ReportMaliciousBehavior permanently degrades reliability in proportion to
// severity; reports accumulate and keep compounding the quality-score
// penalty (see Metrics.QualityScore).
func (m *Metrics) ReportMaliciousBehavior(severity MaliciousSeverity) {
	m.MaliciousReports++
	penalty := 0.3
	switch severity {
	case SeverityMinor:
		penalty = 0.2
	case SeverityModerate:
		penalty = 0.5
	case SeveritySevere:
		penalty = 0.9
	}
	m.ReliabilityScore = clamp01(m.ReliabilityScore - penalty)
}

// recomputeSuccessRate refreshes SuccessRate from the transfer counters.
// ReliabilityScore is never recomputed here: it is a feedback-penalized
// value (see RecordFailedTransfer, ReportMaliciousBehavior) and must not be
// overwritten by a formula that doesn't know about the penalty just applied.
func (m *Metrics) recomputeSuccessRate() {
	if m.TransferCount > 0 {
		m.SuccessRate = float64(m.SuccessfulTransfers) / float64(m.TransferCount)
	}
}

// QualityScore computes the overall 0.0-1.0 peer quality used to rank
// candidates: a weighted blend of reliability, uptime, success rate, and
// bandwidth, with an optional encryption bonus and penalties for staleness
// and accumulated malicious reports.
func (m *Metrics) QualityScore(preferEncrypted bool) float64 {
	const (
		wReliability = 0.25
		wUptime      = 0.20
		wSuccess     = 0.25
		wBandwidth   = 0.20
		pAge         = 0.0001
		pMalicious   = 0.3
	)

	bandwidthScore := 0.0
	if m.BandwidthKbps != nil {
		bandwidthScore = minF(1.0, float64(*m.BandwidthKbps)/10_000.0)
	}

	ageSeconds := time.Since(m.LastSeen).Seconds()
	agePenalty := 0.0
	if ageSeconds > 300 {
		agePenalty = (ageSeconds - 300) * pAge
	}

	maliciousPenalty := float64(m.MaliciousReports) * pMalicious

	base := wReliability*m.ReliabilityScore + wUptime*m.UptimeScore +
		wSuccess*m.SuccessRate + wBandwidth*bandwidthScore

	encryptionBonus := 0.0
	if preferEncrypted && m.EncryptionSupport {
		encryptionBonus = 0.1
	}

	return clamp01(base + encryptionBonus - agePenalty - maliciousPenalty)
}

func clamp01(v float64) float64 { return minF(1.0, maxF(0.0, v)) }
func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Strategy selects which facet of a peer's metrics to rank candidates by.
type Strategy int

const (
	StrategyFastestFirst Strategy = iota
	StrategyMostReliable
	StrategyHighestBandwidth
	StrategyBalanced
	StrategyEncryptionPreferred
	StrategyLoadBalanced
)

// Registry tracks peer metrics and selection history for load-balanced
// ranking across many concurrent downloads.
type Registry struct {
	mu              sync.Mutex
	metrics         map[string]*Metrics
	selectionHistory map[string]time.Time
}

// NewRegistry returns an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics:          make(map[string]*Metrics),
		selectionHistory: make(map[string]time.Time),
	}
}

// Update inserts or replaces a peer's metrics record.
func (r *Registry) Update(m *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[m.PeerID] = m
}

// Get returns the metrics for peerID, if tracked.
func (r *Registry) Get(peerID string) (*Metrics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metrics[peerID]
	return m, ok
}

// All returns a snapshot of every tracked peer's metrics.
func (r *Registry) All() []*Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Metrics, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	return out
}

// CleanupInactive drops peers not seen within maxAge.
func (r *Registry) CleanupInactive(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.metrics)
	now := time.Now()
	for id, m := range r.metrics {
		if now.Sub(m.LastSeen) >= maxAge {
			delete(r.metrics, id)
		}
	}
	return before - len(r.metrics)
}

type scoredPeer struct {
	peerID string
	score  float64
}

// Select ranks availablePeers by strategy, optionally requiring encryption
// support, and returns the top count peer IDs.
func (r *Registry) Select(availablePeers []string, count int, strategy Strategy, requireEncryption bool) []string {
	if len(availablePeers) == 0 || count == 0 {
		return nil
	}

	r.mu.Lock()
	now := time.Now()
	candidates := make([]scoredPeer, 0, len(availablePeers))
	for _, peerID := range availablePeers {
		m, ok := r.metrics[peerID]
		if !ok {
			continue
		}
		if requireEncryption && !m.EncryptionSupport {
			continue
		}
		candidates = append(candidates, scoredPeer{peerID: peerID, score: r.score(m, peerID, strategy, now)})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if count < len(candidates) {
		candidates = candidates[:count]
	}
	selected := make([]string, 0, len(candidates))
	for _, c := range candidates {
		r.selectionHistory[c.peerID] = now
		selected = append(selected, c.peerID)
	}
	r.mu.Unlock()
	return selected
}

func (r *Registry) score(m *Metrics, peerID string, strategy Strategy, now time.Time) float64 {
	switch strategy {
	case StrategyFastestFirst:
		if m.LatencyMs == nil {
			return 0
		}
		lat := *m.LatencyMs
		if lat > 1000 {
			lat = 1000
		}
		return 1000.0 - float64(lat)
	case StrategyMostReliable:
		return m.ReliabilityScore * 1000.0
	case StrategyHighestBandwidth:
		if m.BandwidthKbps == nil {
			return 0
		}
		return float64(*m.BandwidthKbps)
	case StrategyEncryptionPreferred:
		base := m.QualityScore(true) * 1000.0
		if m.EncryptionSupport {
			base += 100.0
		}
		return base
	case StrategyLoadBalanced:
		base := m.QualityScore(false) * 1000.0
		if last, ok := r.selectionHistory[peerID]; ok && now.Sub(last) < 60*time.Second {
			base -= 50.0
		}
		return base
	default: // StrategyBalanced
		return m.QualityScore(false) * 1000.0
	}
}

// RecommendForFile picks a strategy and peer count from file size and
// encryption requirements, then delegates to Select.
func (r *Registry) RecommendForFile(availablePeers []string, fileSize int64, encryptionRequired bool) []string {
	var strategy Strategy
	switch {
	case encryptionRequired:
		strategy = StrategyEncryptionPreferred
	case fileSize > 100_000_000:
		strategy = StrategyHighestBandwidth
	default:
		strategy = StrategyBalanced
	}

	peerCount := 2
	if fileSize > 50_000_000 {
		peerCount = 5
	}
	if peerCount > len(availablePeers) {
		peerCount = len(availablePeers)
	}
	if peerCount < 1 {
		peerCount = 1
	}

	return r.Select(availablePeers, peerCount, strategy, encryptionRequired)
}
