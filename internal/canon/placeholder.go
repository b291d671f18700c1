package canon

import (
	"fmt"

	"worldbuild/internal/types"
)

// Placeholder builds the seed canon a team starts deliberating from. Every
// required field is present but marked provisional, so phases 1 through 3
// replace sections instead of inventing structure. Team A worlds start with
// the Azure prefix and team B with Cinder, which keeps the two canons
// distinguishable in transcripts before either team picks a real name.
func Placeholder(team types.TeamID, ch types.Challenge) types.Canon {
	prefix := "Azure"
	if team == types.TeamB {
		prefix = "Cinder"
	}
	landmark := func(numeral string) map[string]any {
		return map[string]any{
			"name":         "TBD Landmark " + numeral,
			"description":  "Placeholder landmark description.",
			"significance": "Placeholder significance.",
			"visual_key":   "Placeholder visual key.",
		}
	}
	return types.Canon{
		"world_name":      prefix + " Unnamed",
		"governing_logic": fmt.Sprintf("(TBD) Twist: %s.", ch.TwistConstraint),
		"aesthetic_mood":  "mysterious, unfinished, provisional",
		"landmarks": []any{
			landmark("I"),
			landmark("II"),
			landmark("III"),
		},
		"inhabitants": map[string]any{
			"appearance":            fmt.Sprintf("Placeholder %s.", ch.Inhabitants),
			"culture_snapshot":      "Placeholder culture snapshot.",
			"relationship_to_place": "Placeholder relationship to place.",
		},
		"tension": map[string]any{
			"conflict":             "Placeholder conflict.",
			"stakes":               "Placeholder stakes.",
			"visual_manifestation": "Placeholder visual manifestation.",
		},
		"hero_image_description": "Placeholder hero image description.",
	}
}
