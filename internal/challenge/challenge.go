// Package challenge derives a match's creative constraints from its seed.
// The same (seed, tier) pair always yields the same challenge, which keeps
// mock-provider matches reproducible end to end.
package challenge

import (
	"fmt"
	"math/rand"

	"worldbuild/internal/types"
)

var biomesTier1 = []string{
	"volcanic archipelago",
	"subterranean fungal forest",
	"floating desert islands",
	"temperate river-delta megacity",
}

var biomesTier2 = []string{
	"frozen megastructure",
	"storm-wracked salt flats",
	"tidal canyon labyrinth",
	"sunken mangrove basin",
}

var biomesTier3 = []string{
	"underwater city of air-breathers",
	"desert of drifting ice",
	"mountain peak beneath an inland sea",
	"forest that grows only in shadow",
}

var inhabitants = []string{
	"posthuman monks",
	"symbiotic hive-beings",
	"nomadic machine-spirits",
	"amphibious traders",
	"ash-smeared archivists",
	"glass-masked surveyors",
}

var twistsTier1 = []string{
	"light is sacred and rationed",
	"all structures must be temporary",
	"vertical space is status",
	"the founders are still alive but sleeping",
}

var twistsTier2 = []string{
	"fire is forbidden",
	"names are currency and can be stolen",
	"every building must have two exits: one real, one symbolic",
	"timekeeping is illegal; only tides and bells are allowed",
}

var twistsTier3 = []string{
	"inhabitants fear submersion despite living underwater",
	"gravity is a negotiated service, not a constant",
	"speech causes structural decay, so silence is law",
	"the city repels maps; accuracy triggers earthquakes",
}

// Generate picks one biome, inhabitant group and twist constraint for the
// given difficulty tier, seeded so the draw is stable per match.
func Generate(seed int64, tier int) (types.Challenge, error) {
	var biomes, twists []string
	switch tier {
	case 1:
		biomes, twists = biomesTier1, twistsTier1
	case 2:
		biomes, twists = biomesTier2, twistsTier2
	case 3:
		biomes, twists = biomesTier3, twistsTier3
	default:
		return types.Challenge{}, fmt.Errorf("tier must be 1, 2, or 3, got %d", tier)
	}

	rng := rand.New(rand.NewSource(seed))
	return types.Challenge{
		Seed:            seed,
		Tier:            tier,
		BiomeSetting:    biomes[rng.Intn(len(biomes))],
		Inhabitants:     inhabitants[rng.Intn(len(inhabitants))],
		TwistConstraint: twists[rng.Intn(len(twists))],
	}, nil
}
