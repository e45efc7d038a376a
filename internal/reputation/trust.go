package reputation

import (
	"math"
	"time"

	"github.com/icn-network/icn-node/internal/storage"
)

const maxAttestationAge = 90 * 24 * time.Hour

// TrustScore is the derived [0,1] summary of a subject's reputation,
// adjusted for Sybil risk.
type TrustScore struct {
	Overall    float64                    `json:"overall"`
	Components map[AttestationType]float64 `json:"components"`
	SybilRisk  float64                    `json:"sybil_risk"`
	Confidence float64                    `json:"confidence"`
}

func ageWeight(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	return 1 / (1 + ageDays/90)
}

// CalculateTrustScore composes a TrustScore from a subject's valid
// attestations (quorum-reached, unexpired, non-revoked).
func (m *Manager) CalculateTrustScore(subjectDID string) (*TrustScore, error) {
	all, err := m.GetForSubject(subjectDID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var valid []*Attestation
	for _, a := range all {
		if a.IsValid(now) {
			valid = append(valid, a)
		}
	}

	sybil := CalculateSybilIndicators(all)

	if len(valid) == 0 {
		return &TrustScore{Overall: 0, Components: map[AttestationType]float64{}, SybilRisk: sybil.RiskScore, Confidence: confidence(0, 0, sybil.RiskScore)}, nil
	}

	var weightedSum, totalWeight float64
	componentSum := map[AttestationType]float64{}
	componentWeight := map[AttestationType]float64{}
	issuers := map[string]struct{}{}

	for _, a := range valid {
		w := ageWeight(a.CreatedAt, now)
		weightedSum += a.Score * w
		totalWeight += w
		componentSum[a.Type] += a.Score * w
		componentWeight[a.Type] += w
		issuers[a.IssuerDID] = struct{}{}
	}

	avg := 0.0
	if totalWeight > 0 {
		avg = weightedSum / totalWeight
	}
	overall := avg * (1 - 0.5*sybil.RiskScore)
	if overall < 0 {
		overall = 0
	}
	if overall > 1 {
		overall = 1
	}

	components := make(map[AttestationType]float64, len(componentSum))
	for typ, sum := range componentSum {
		if w := componentWeight[typ]; w > 0 {
			components[typ] = sum / w
		}
	}

	uniqueIssuerFraction := 0.0
	if len(valid) > 0 {
		uniqueIssuerFraction = float64(len(issuers)) / float64(len(valid))
	}

	return &TrustScore{
		Overall:    overall,
		Components: components,
		SybilRisk:  sybil.RiskScore,
		Confidence: confidence(len(valid), uniqueIssuerFraction, sybil.RiskScore),
	}, nil
}

func confidence(count int, uniqueIssuerFraction, sybilRisk float64) float64 {
	countTerm := math.Min(float64(count)/10, 1)
	return 0.2*countTerm + 0.5*uniqueIssuerFraction + 0.3*(1-sybilRisk)
}

// IndirectTrust builds an adjacency map from every non-revoked
// attestation scoring at least minThreshold, then runs a bounded-depth
// search from source to target, composing edge scores multiplicatively
// and returning the best transitive score across enumerated paths.
func (m *Manager) IndirectTrust(source, target string, maxDepth int, minThreshold float64) (*float64, error) {
	keys, err := m.store.List([]byte("reputation:attestation:"))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	graph := make(map[string]map[string]float64)
	for _, k := range keys {
		var a Attestation
		if err := storage.GetJSON(m.store, k, &a); err != nil {
			continue
		}
		if a.Revoked || a.isExpired(now) || a.Score < minThreshold {
			continue
		}
		if graph[a.IssuerDID] == nil {
			graph[a.IssuerDID] = make(map[string]float64)
		}
		if existing, ok := graph[a.IssuerDID][a.SubjectDID]; !ok || a.Score > existing {
			graph[a.IssuerDID][a.SubjectDID] = a.Score
		}
	}

	best := -1.0
	visited := map[string]bool{source: true}
	var dfs func(node string, depth int, acc float64)
	dfs = func(node string, depth int, acc float64) {
		if node == target && depth > 0 {
			if acc > best {
				best = acc
			}
			return
		}
		if depth >= maxDepth {
			return
		}
		for next, score := range graph[node] {
			if visited[next] {
				continue
			}
			visited[next] = true
			dfs(next, depth+1, acc*score)
			visited[next] = false
		}
	}
	dfs(source, 0, 1.0)

	if best < 0 {
		return nil, nil
	}
	return &best, nil
}
