package reputation

import "time"

// SybilIndicators keeps the component factors of the risk score as
// independently inspectable named fields rather than folding them
// directly into the scalar; callers want the components, not just the
// score.
type SybilIndicators struct {
	UniqueIssuerFactor float64 `json:"unique_issuer_factor"`
	AgeFactor          float64 `json:"age_factor"`
	QuorumFactor       float64 `json:"quorum_factor"`
	RiskScore          float64 `json:"risk_score"`
}

// CalculateSybilIndicators computes the Sybil-resistance factors over a
// subject's attestation set. Every attestation passed in counts in the
// denominator; nothing is filtered here. CalculateTrustScore passes the
// result of GetForSubject, which already leaves out revoked attestations.
func CalculateSybilIndicators(attestations []*Attestation) SybilIndicators {
	total := len(attestations)
	if total == 0 {
		return SybilIndicators{RiskScore: 1}
	}

	issuers := map[string]struct{}{}
	var totalAgeSeconds float64
	quorumReached := 0
	now := time.Now().UTC()

	for _, a := range attestations {
		issuers[a.IssuerDID] = struct{}{}
		totalAgeSeconds += now.Sub(a.CreatedAt).Seconds()
		if a.HasReachedQuorum() {
			quorumReached++
		}
	}

	uniqueIssuerFactor := float64(len(issuers)) / float64(total)
	avgAgeSeconds := totalAgeSeconds / float64(total)
	ageFactor := avgAgeSeconds / maxAttestationAge.Seconds()
	if ageFactor > 1 {
		ageFactor = 1
	}
	quorumFactor := float64(quorumReached) / float64(total)

	risk := 1 - (0.4*uniqueIssuerFactor + 0.3*ageFactor + 0.3*quorumFactor)
	return SybilIndicators{
		UniqueIssuerFactor: uniqueIssuerFactor,
		AgeFactor:          ageFactor,
		QuorumFactor:       quorumFactor,
		RiskScore:          risk,
	}
}
