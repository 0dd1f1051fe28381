package vision

import (
	"math"
)

// Decision is the outcome of an identity decision.
type Decision string

const (
	DecisionMatch   Decision = "MATCH"
	DecisionNoMatch Decision = "NO_MATCH"
	DecisionUnknown Decision = "UNKNOWN"
)

// EnrolledIdentity is one registered person with their enrolled embeddings.
// Loaded as a read-only snapshot; never mutated by the pipeline.
type EnrolledIdentity struct {
	PersonID   string
	FullName   string
	Active     bool
	Embeddings [][]float32
}

// FrameDecision is the per-frame identity decision for one query embedding.
type FrameDecision struct {
	PersonID        string
	FullName        string
	Similarity      float64 // mean similarity against the winning identity
	VoteCount       int
	TotalEmbeddings int
	VotePercentage  float64
	Decision        Decision
}

// Similarity computes cosine similarity remapped from [-1,1] to [0,1], so
// thresholds compose as probabilities.
func Similarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if cos > 1 {
		cos = 1
	}
	if cos < -1 {
		cos = -1
	}
	return (cos + 1) / 2
}

// Matcher decides per-frame identity by voting over enrolled embeddings.
// Each enrolled embedding acts as an independent weak classifier; an identity
// wins when enough of its own embeddings individually agree with the query.
type Matcher struct {
	similarityThreshold float64
	votingThreshold     float64
}

func NewMatcher(similarityThreshold, votingThreshold float64) *Matcher {
	return &Matcher{
		similarityThreshold: similarityThreshold,
		votingThreshold:     votingThreshold,
	}
}

// Match scores the query embedding against every active identity and picks
// the one with the highest vote ratio. Ties break by higher mean similarity,
// then by enrollment order. With no active identities the decision is
// UNKNOWN; a candidate below the voting threshold yields NO_MATCH but is
// still reported for diagnostics.
func (m *Matcher) Match(query []float32, identities []EnrolledIdentity) FrameDecision {
	best := FrameDecision{Decision: DecisionUnknown}
	found := false

	for _, id := range identities {
		if !id.Active || len(id.Embeddings) == 0 {
			continue
		}

		votes := 0
		sum := 0.0
		for _, emb := range id.Embeddings {
			sim := Similarity(query, emb)
			sum += sim
			if sim > m.similarityThreshold {
				votes++
			}
		}

		total := len(id.Embeddings)
		ratio := float64(votes) / float64(total)
		mean := sum / float64(total)

		if !found || ratio > best.VotePercentage ||
			(ratio == best.VotePercentage && mean > best.Similarity) {
			found = true
			best = FrameDecision{
				PersonID:        id.PersonID,
				FullName:        id.FullName,
				Similarity:      mean,
				VoteCount:       votes,
				TotalEmbeddings: total,
				VotePercentage:  ratio,
			}
		}
	}

	if !found {
		return FrameDecision{Decision: DecisionUnknown}
	}

	if best.VotePercentage >= m.votingThreshold {
		best.Decision = DecisionMatch
	} else {
		best.Decision = DecisionNoMatch
	}
	return best
}
