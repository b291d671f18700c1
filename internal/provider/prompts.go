package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"worldbuild/internal/types"
)

var roleMandates = map[types.Role]string{
	types.RoleArchitect:   "Propose structural/physical elements (geography, buildings, infrastructure). Think in systems and spaces.",
	types.RoleLorekeeper:  "Propose history, culture, inhabitants, naming conventions. Think in stories and meaning.",
	types.RoleContrarian:  "Challenge every proposal with a specific objection or edge case. Be constructively adversarial.",
	types.RoleSynthesizer: "Resolve conflicts, merge ideas, call for votes, manage convergence. Be diplomatic and decisive. You cannot propose new ideas, only merge and refine existing ones.",
}

var turnInstructions = map[types.TurnType]string{
	types.TurnProposal:   "Make a proposal with a canon_patch. Be specific and actionable.",
	types.TurnObjection:  "Raise a specific concern or edge case about the current proposal. No vague objections.",
	types.TurnResponse:   "Respond to the proposal and objection. You must add, modify, or object; no pure agreement.",
	types.TurnResolution: "Synthesize the discussion. Merge ideas, resolve conflicts, prepare for vote. Include references to what you're merging.",
	types.TurnVote:       "Vote ACCEPT, AMEND, or REJECT. If AMEND, include a non-empty amendment_summary and the amendment in canon_patch.",
}

func buildSystemPrompt(ch types.Challenge, initialCanon types.Canon) string {
	canonJSON, _ := json.MarshalIndent(initialCanon, "", "  ")
	return fmt.Sprintf(`You are a worldbuilding debate agent on a team of 4 agents (Architect, Lorekeeper, Contrarian, Synthesizer).

CHALLENGE:
- Biome/Setting: %s
- Inhabitants: %s
- Twist Constraint: %s

INITIAL CANON (starting world state):
%s

RULES:
1. No pure "+1" responses. You must always add, modify, or object.
2. Contrarian must object to every proposal with a specific concern.
3. Synthesizer cannot propose new ideas, only merge/refine existing ones.
4. All canon changes must be valid JSON Patch operations.
5. Output must be valid JSON matching the TurnOutput schema.

The deliberation has 4 phases:
- Phase 1 (Foundation): Establish name, governing logic, aesthetic mood
- Phase 2 (Landmarks): Define 3 key landmarks
- Phase 3 (Tension): Inject conflict/stakes
- Phase 4 (Crystallization): Final ratification

You will be told your role and turn type for each turn. Respond accordingly.`,
		ch.BiomeSetting, ch.Inhabitants, ch.TwistConstraint, canonJSON)
}

func buildTurnPrompt(spec TurnSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "YOUR ROLE: %s\nMANDATE: %s\n\n", spec.Role, roleMandates[spec.Role])
	fmt.Fprintf(&b, "PHASE: %d, ROUND: %d\nTURN TYPE: %s\nINSTRUCTION: %s\n", spec.Phase, spec.Round, spec.TurnType, turnInstructions[spec.TurnType])

	prefixes, _ := json.Marshal(spec.AllowedPrefixes)
	fmt.Fprintf(&b, "\nALLOWED PATCH PREFIXES: %s", prefixes)

	if len(spec.ExpectedRefs) > 0 {
		refs, _ := json.Marshal(spec.ExpectedRefs)
		fmt.Fprintf(&b, "\nEXPECTED REFERENCES: %s", refs)
	}
	if len(spec.PendingPatch) > 0 {
		patch, _ := json.Marshal(spec.PendingPatch)
		fmt.Fprintf(&b, "\nPENDING PATCH (for voting): %s", patch)
	}
	if spec.GapHint != "" {
		fmt.Fprintf(&b, "\nPRIOR ROUND WAS REJECTED. You must address the gap: %s", spec.GapHint)
	}
	if spec.Tiebreak {
		b.WriteString("\nTIE-BREAK: the vote deadlocked. Your resolution is binding; decide and commit.")
	}
	if len(spec.RepairErrors) > 0 {
		errs, _ := json.MarshalIndent(spec.RepairErrors, "", "  ")
		fmt.Fprintf(&b, "\n\nREPAIR REQUIRED (attempt %d):\nYour previous output had validation errors:\n%s\n\nFix these errors in your next response.", spec.Attempt+1, errs)
		if spec.PriorOutput != nil {
			prior, _ := json.Marshal(spec.PriorOutput)
			fmt.Fprintf(&b, "\nPREVIOUS OUTPUT:\n%s", prior)
		}
	}

	b.WriteString("\n\nGenerate your TurnOutput now.")
	return b.String()
}

func buildPromptPackPrompt(canon types.Canon) string {
	canonJSON, _ := json.MarshalIndent(canon, "", "  ")
	return fmt.Sprintf(`You are a neutral Prompt Engineer.

Convert the following final world canon into a PromptPack for image generation.

Rules:
- Do not mention teams, debates, or voting.
- Make prompts richly visual: environment, composition, lighting, materials, mood, and key props.
- Keep the world's governing logic visible in every prompt.
- Provide 6 prompts total:
  - hero_image (16:9 wide establishing shot)
  - landmark_triptych[0..2] (1:1)
  - inhabitant_portrait (3:4)
  - tension_snapshot (16:9)
- Each prompt should stand alone (no external references), and should be safe for general audiences.

FINAL CANON (JSON):
%s
`, canonJSON)
}
