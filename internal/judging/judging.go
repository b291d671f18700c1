// Package judging runs the blind evaluation of a finished match. Judges see
// the two worlds as WORLD-1 and WORLD-2 in a deterministic but unpredictable
// order; the mapping back to teams stays sealed until reveal.
package judging

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"worldbuild/internal/logging"
	"worldbuild/internal/replay"
	"worldbuild/internal/store"
	"worldbuild/internal/types"
)

// ErrMatchNotFinished rejects judging operations on a match that has not
// completed.
var ErrMatchNotFinished = errors.New("match not finished")

// Criterion weights, in percent. They sum to 100.
const (
	weightInternalCoherence = 25
	weightCreativeAmbition  = 20
	weightVisualFidelity    = 20
	weightArtifactQuality   = 20
	weightProcessQuality    = 15
)

// Service exposes the blind judging workflow over the persisted match state.
type Service struct {
	store *store.Store
}

func New(st *store.Store) *Service { return &Service{store: st} }

// blindOrder derives which team is shown first for a match. Seeded from the
// match id so the assignment is stable across restarts even before it is
// persisted.
func blindOrder(matchID string) (types.TeamID, types.TeamID) {
	sum := sha256.Sum256([]byte("blind-order:" + matchID))
	if binary.BigEndian.Uint64(sum[:8])%2 == 0 {
		return types.TeamA, types.TeamB
	}
	return types.TeamB, types.TeamA
}

// Package is the judge-facing bundle: both worlds, anonymized.
type Package struct {
	MatchID string             `json:"match_id"`
	Entries []types.BlindEntry `json:"entries"`
}

// BlindPackage assembles the anonymized judging bundle for a completed
// match, creating and persisting the blind mapping on first request.
func (s *Service) BlindPackage(matchID string) (Package, error) {
	rec, err := s.store.GetMatch(matchID)
	if err != nil {
		return Package{}, err
	}
	if rec.Status != types.StatusCompleted {
		return Package{}, ErrMatchNotFinished
	}

	mapping, err := s.store.GetBlindMapping(matchID)
	if errors.Is(err, store.ErrNotFound) {
		w1, w2 := blindOrder(matchID)
		mapping, err = s.store.SaveBlindMapping(matchID, w1, w2)
	}
	if err != nil {
		return Package{}, err
	}

	events, err := s.store.ListEvents(matchID, 0)
	if err != nil {
		return Package{}, err
	}

	pkg := Package{MatchID: matchID}
	for _, blindID := range []string{"WORLD-1", "WORLD-2"} {
		team := mapping[blindID]
		artifacts, err := replay.DeriveArtifacts(events, team)
		if err != nil {
			return Package{}, fmt.Errorf("derive artifacts for %s: %w", blindID, err)
		}
		pkg.Entries = append(pkg.Entries, types.BlindEntry{
			BlindID:    blindID,
			Canon:      artifacts.Canon,
			PromptPack: artifacts.PromptPack,
		})
	}
	return pkg, nil
}

// Submission is one judge's score sheet for one blind world.
type Submission struct {
	Judge   string              `json:"judge"`
	BlindID string              `json:"blind_id"`
	Scores  types.JudgingScores `json:"scores"`
	Notes   string              `json:"notes,omitempty"`
}

func validateSubmission(sub Submission) error {
	if sub.Judge == "" {
		return fmt.Errorf("judge is required")
	}
	if sub.BlindID != "WORLD-1" && sub.BlindID != "WORLD-2" {
		return fmt.Errorf("blind_id must be WORLD-1 or WORLD-2")
	}
	for name, v := range map[string]int{
		"internal_coherence": sub.Scores.InternalCoherence,
		"creative_ambition":  sub.Scores.CreativeAmbition,
		"visual_fidelity":    sub.Scores.VisualFidelity,
		"artifact_quality":   sub.Scores.ArtifactQuality,
		"process_quality":    sub.Scores.ProcessQuality,
	} {
		if v < 1 || v > 5 {
			return fmt.Errorf("%s must be between 1 and 5, got %d", name, v)
		}
	}
	return nil
}

// weightedTotal converts the five criteria into a 0..5 composite.
func weightedTotal(s types.JudgingScores) float64 {
	total := s.InternalCoherence*weightInternalCoherence +
		s.CreativeAmbition*weightCreativeAmbition +
		s.VisualFidelity*weightVisualFidelity +
		s.ArtifactQuality*weightArtifactQuality +
		s.ProcessQuality*weightProcessQuality
	return float64(total) / 100
}

// SubmitScore validates and persists one score sheet. The blind mapping must
// already exist, which it does for any judge who fetched the package first.
func (s *Service) SubmitScore(matchID string, sub Submission) (types.JudgingScoreRecord, error) {
	rec, err := s.store.GetMatch(matchID)
	if err != nil {
		return types.JudgingScoreRecord{}, err
	}
	if rec.Status != types.StatusCompleted {
		return types.JudgingScoreRecord{}, ErrMatchNotFinished
	}
	if err := validateSubmission(sub); err != nil {
		return types.JudgingScoreRecord{}, err
	}

	saved, err := s.store.SaveScore(matchID, sub.Judge, sub.BlindID, sub.Scores, sub.Notes)
	if err != nil {
		return types.JudgingScoreRecord{}, err
	}
	saved.WeightedTotal = weightedTotal(saved.Scores)
	logging.Judging().Infow("score submitted",
		"match_id", matchID, "judge", sub.Judge, "blind_id", sub.BlindID, "weighted_total", saved.WeightedTotal)
	return saved, nil
}

// Scores lists every submission for a match with weighted totals filled in.
func (s *Service) Scores(matchID string) ([]types.JudgingScoreRecord, error) {
	if _, err := s.store.GetMatch(matchID); err != nil {
		return nil, err
	}
	records, err := s.store.ListScores(matchID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].WeightedTotal = weightedTotal(records[i].Scores)
	}
	return records, nil
}

// Reveal is the de-anonymized judging summary.
type Reveal struct {
	MatchID  string                     `json:"match_id"`
	Mapping  map[string]types.TeamID    `json:"mapping"`
	Scores   []types.JudgingScoreRecord `json:"scores"`
	Averages map[types.TeamID]float64   `json:"averages"`
}

// RevealScores unseals the mapping and returns every submission with its
// weighted total, plus per-team averages.
func (s *Service) RevealScores(matchID string) (Reveal, error) {
	mapping, err := s.store.GetBlindMapping(matchID)
	if err != nil {
		return Reveal{}, err
	}
	records, err := s.store.ListScores(matchID)
	if err != nil {
		return Reveal{}, err
	}

	sums := map[types.TeamID]float64{}
	counts := map[types.TeamID]int{}
	for i := range records {
		records[i].WeightedTotal = weightedTotal(records[i].Scores)
		team := mapping[records[i].BlindID]
		sums[team] += records[i].WeightedTotal
		counts[team]++
	}
	averages := map[types.TeamID]float64{}
	for team, sum := range sums {
		averages[team] = sum / float64(counts[team])
	}

	return Reveal{MatchID: matchID, Mapping: mapping, Scores: records, Averages: averages}, nil
}
