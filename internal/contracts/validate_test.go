package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldbuild/internal/types"
)

func TestValidateTurnOutputAcceptsWellFormedTurn(t *testing.T) {
	out := types.TurnOutput{
		SpeakerRole: types.RoleArchitect,
		TurnType:    types.TurnProposal,
		Content:     "Proposal: anchor the city to the tide bells.",
		CanonPatch: []types.PatchOp{
			{Op: "replace", Path: "/world_name", Value: "Bellhaven"},
		},
	}
	res := ValidateTurnOutput(out)
	assert.True(t, res.OK, "errors: %v", res.Errors)
}

func TestValidateTurnOutputRejectsMissingRole(t *testing.T) {
	res := ValidateTurnOutput(map[string]any{
		"turn_type": "PROPOSAL",
		"content":   "missing speaker_role",
	})
	require.False(t, res.OK)
	assert.NotEmpty(t, res.Errors)
}

func TestValidateTurnOutputRejectsUnknownTurnType(t *testing.T) {
	res := ValidateTurnOutput(map[string]any{
		"speaker_role": "ARCHITECT",
		"turn_type":    "MONOLOGUE",
		"content":      "x",
	})
	assert.False(t, res.OK)
}

func TestValidateTurnOutputRejectsBadPatchOp(t *testing.T) {
	res := ValidateTurnOutput(map[string]any{
		"speaker_role": "ARCHITECT",
		"turn_type":    "PROPOSAL",
		"content":      "patch with bogus op",
		"canon_patch":  []map[string]any{{"op": "merge", "path": "/world_name"}},
	})
	assert.False(t, res.OK)
}

func TestValidateVoteRequiresChoice(t *testing.T) {
	res := ValidateTurnOutput(map[string]any{
		"speaker_role": "SYNTHESIZER",
		"turn_type":    "VOTE",
		"content":      "Vote",
		"vote":         map[string]any{"amendment_summary": "tighten stakes"},
	})
	assert.False(t, res.OK)
}

func TestValidatePromptPack(t *testing.T) {
	pack := types.PromptPack{
		HeroImage: types.ImagePrompt{Title: "Hero", Prompt: "wide shot", AspectRatio: "16:9"},
		LandmarkTriptych: []types.ImagePrompt{
			{Title: "L1", Prompt: "p1", AspectRatio: "1:1"},
			{Title: "L2", Prompt: "p2", AspectRatio: "1:1"},
			{Title: "L3", Prompt: "p3", AspectRatio: "1:1"},
		},
		InhabitantPortrait: types.ImagePrompt{Title: "Portrait", Prompt: "p", AspectRatio: "3:4"},
		TensionSnapshot:    types.ImagePrompt{Title: "Tension", Prompt: "p", AspectRatio: "16:9"},
	}
	assert.True(t, ValidatePromptPack(pack).OK)

	pack.LandmarkTriptych = pack.LandmarkTriptych[:2]
	assert.False(t, ValidatePromptPack(pack).OK, "triptych must carry exactly 3 prompts")
}

func TestValidateCanonRejectsPlaceholderGaps(t *testing.T) {
	canon := map[string]any{
		"world_name":      "Bellhaven",
		"governing_logic": "timekeeping is illegal",
		"aesthetic_mood":  "brine-sweet, hushed",
		"landmarks": []any{
			map[string]any{"name": "a", "description": "b", "significance": "c", "visual_key": "d"},
			map[string]any{"name": "a", "description": "b", "significance": "c", "visual_key": "d"},
		},
		"inhabitants": map[string]any{
			"appearance":            "amphibious traders",
			"culture_snapshot":      "tide-ledger culture",
			"relationship_to_place": "custodial",
		},
		"tension": map[string]any{
			"conflict":             "clock smugglers",
			"stakes":               "the bells fall silent",
			"visual_manifestation": "rusting bell towers",
		},
		"hero_image_description": "a drowned plaza at low tide",
	}
	assert.False(t, ValidateCanon(canon).OK, "two landmarks must not validate")

	canon["landmarks"] = append(canon["landmarks"].([]any),
		map[string]any{"name": "a", "description": "b", "significance": "c", "visual_key": "d"})
	assert.True(t, ValidateCanon(canon).OK)
}
