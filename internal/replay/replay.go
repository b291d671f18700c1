// Package replay reconstructs per-team artifacts by folding a match's event
// log. The canon held by a live engine is just a cache; the log is the source
// of truth, so anything derivable here survives restarts.
package replay

import (
	"encoding/json"
	"fmt"

	"worldbuild/internal/canon"
	"worldbuild/internal/types"
)

// TeamArtifacts is everything replay can recover for one team.
type TeamArtifacts struct {
	Canon      types.Canon       `json:"canon"`
	CanonHash  string            `json:"canon_hash"`
	PromptPack *types.PromptPack `json:"prompt_pack,omitempty"`
}

// DeriveCanon folds a team's canon_initialized and canon_patch_applied events
// into the current canon document.
func DeriveCanon(events []types.MatchEvent, team types.TeamID) (types.Canon, error) {
	var store *canon.Store
	for _, ev := range events {
		if ev.TeamID == nil || *ev.TeamID != team {
			continue
		}
		switch ev.Type {
		case types.EventCanonInitialized:
			var data types.CanonInitializedData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				return nil, fmt.Errorf("decode canon_initialized at seq %d: %w", ev.Seq, err)
			}
			s, err := canon.NewStore(data.Canon)
			if err != nil {
				return nil, err
			}
			store = s
		case types.EventCanonPatchApplied:
			if store == nil {
				return nil, fmt.Errorf("canon_patch_applied at seq %d before canon_initialized", ev.Seq)
			}
			var data types.CanonPatchAppliedData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				return nil, fmt.Errorf("decode canon_patch_applied at seq %d: %w", ev.Seq, err)
			}
			if _, _, err := store.Apply(data.Phase, data.Patch); err != nil {
				return nil, fmt.Errorf("replay patch at seq %d: %w", ev.Seq, err)
			}
		}
	}
	if store == nil {
		return nil, fmt.Errorf("no canon_initialized event for team %s", team)
	}
	return store.Current(), nil
}

// DerivePromptPack returns the team's generated prompt pack, or nil if the
// match never reached phase 5.
func DerivePromptPack(events []types.MatchEvent, team types.TeamID) (*types.PromptPack, error) {
	for _, ev := range events {
		if ev.TeamID == nil || *ev.TeamID != team || ev.Type != types.EventPromptPackGenerated {
			continue
		}
		var data types.PromptPackGeneratedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return nil, fmt.Errorf("decode prompt_pack_generated at seq %d: %w", ev.Seq, err)
		}
		pack := data.PromptPack
		return &pack, nil
	}
	return nil, nil
}

// DeriveArtifacts recovers both artifacts for one team in a single pass over
// the log.
func DeriveArtifacts(events []types.MatchEvent, team types.TeamID) (TeamArtifacts, error) {
	doc, err := DeriveCanon(events, team)
	if err != nil {
		return TeamArtifacts{}, err
	}
	hash, err := canon.Hash(doc)
	if err != nil {
		return TeamArtifacts{}, err
	}
	pack, err := DerivePromptPack(events, team)
	if err != nil {
		return TeamArtifacts{}, err
	}
	return TeamArtifacts{Canon: doc, CanonHash: hash, PromptPack: pack}, nil
}
