package scoring

import (
	"sort"

	"github.com/mediahunt/mediahunt/internal/indexer"
)

// ScoredCandidate pairs a search result with its custom-format score.
type ScoredCandidate struct {
	Candidate indexer.Candidate
	Score     int
	Breakdown string
}

// BestResultMatchingProfile filters candidates by the profile's enabled
// tiers, scores the survivors, and returns the highest scorer. Ties break
// on title so selection is deterministic. Returns (nil, 0, "") when no
// candidate survives the tier filter.
func BestResultMatchingProfile(candidates []indexer.Candidate, profile Profile, formats []CustomFormat) (*indexer.Candidate, int, string) {
	tierNames := profile.EnabledTierNames()

	var survivors []ScoredCandidate
	for _, cand := range candidates {
		if !MatchesAnyTier(cand.Title, tierNames) {
			continue
		}
		score, breakdown := ScoreRelease(cand.Title, formats)
		survivors = append(survivors, ScoredCandidate{
			Candidate: cand,
			Score:     score,
			Breakdown: breakdown,
		})
	}
	if len(survivors) == 0 {
		return nil, 0, ""
	}

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].Score != survivors[j].Score {
			return survivors[i].Score > survivors[j].Score
		}
		return survivors[i].Candidate.Title < survivors[j].Candidate.Title
	})

	best := survivors[0]
	return &best.Candidate, best.Score, best.Breakdown
}

// ScoreCandidates scores every candidate that passes the tier filter and
// returns them sorted best first. Used by the orchestrator's per-indexer
// pick.
func ScoreCandidates(candidates []indexer.Candidate, profile Profile, formats []CustomFormat) []ScoredCandidate {
	tierNames := profile.EnabledTierNames()

	var survivors []ScoredCandidate
	for _, cand := range candidates {
		if !MatchesAnyTier(cand.Title, tierNames) {
			continue
		}
		score, breakdown := ScoreRelease(cand.Title, formats)
		survivors = append(survivors, ScoredCandidate{
			Candidate: cand,
			Score:     score,
			Breakdown: breakdown,
		})
	}

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].Score != survivors[j].Score {
			return survivors[i].Score > survivors[j].Score
		}
		return survivors[i].Candidate.Title < survivors[j].Candidate.Title
	})
	return survivors
}
