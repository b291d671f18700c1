package engine

import "worldbuild/internal/types"

// PhaseRounds maps each deliberation phase to its round count. Phase 5 has
// no rounds; it only produces the prompt pack.
var PhaseRounds = map[int]int{
	1: 3,
	2: 4,
	3: 2,
	4: 1,
	5: 0,
}

// otherProposer returns the member of {Architect, Lorekeeper} that is not
// the given proposer.
func otherProposer(r types.Role) types.Role {
	if r == types.RoleArchitect {
		return types.RoleLorekeeper
	}
	return types.RoleArchitect
}

// responderOrder is the fixed RESPONSE order for a round: the non-proposer
// among {Architect, Lorekeeper}, then Contrarian, then Synthesizer.
func responderOrder(proposer types.Role) []types.Role {
	return []types.Role{otherProposer(proposer), types.RoleContrarian, types.RoleSynthesizer}
}
