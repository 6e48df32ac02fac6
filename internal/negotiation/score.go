package negotiation

import "conclave/internal/domain"

// ConsensusScorer is the default deterministic scorer. It rewards
// sustained debate and cited evidence and discounts unresolved
// conflicts by severity. The result is always in [0, 1].
type ConsensusScorer struct{}

func (ConsensusScorer) Score(n domain.Negotiation) float64 {
	score := 0.30

	if n.Round > 1 {
		score += 0.08 * float64(n.Round-1)
	}

	total := 0
	evidenced := 0
	for _, entry := range n.Debate {
		if entry.Round != n.Round {
			continue
		}
		total++
		if entry.Evidence != "" {
			evidenced++
		}
	}
	if total > 0 {
		score += 0.30 * float64(evidenced) / float64(total)
	}

	for _, conflict := range n.Conflicts {
		switch conflict.Severity {
		case domain.ConflictSeveritySevere:
			score -= 0.12
		case domain.ConflictSeverityModerate:
			score -= 0.06
		default:
			score -= 0.02
		}
	}

	return clampScore(score)
}
