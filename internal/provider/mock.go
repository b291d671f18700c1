package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"

	"worldbuild/internal/types"
)

// TurnHook lets tests reshape a generated output before the mock returns it.
// Used to inject schema violations, forbidden patches, and scripted votes.
type TurnHook func(spec TurnSpec, team types.TeamID, out *types.TurnOutput)

// MockOption configures a Mock.
type MockOption func(*Mock)

// WithTurnHook installs a post-generation hook.
func WithTurnHook(h TurnHook) MockOption {
	return func(m *Mock) { m.hook = h }
}

// Mock is the deterministic offline backend. Given the same match seed it
// produces the same deliberation every run, which makes full-match tests
// reproducible without network access.
type Mock struct {
	cfg  Config
	hook TurnHook
}

// NewMock builds a mock backend.
func NewMock(cfg Config, opts ...MockOption) *Mock {
	m := &Mock{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// stableRNG derives a rand.Rand from a SHA-256 over the JSON encoding of
// parts, so draws are stable across processes and platforms.
func stableRNG(parts ...any) *rand.Rand {
	raw, err := json.Marshal(parts)
	if err != nil {
		raw = []byte(fmt.Sprint(parts...))
	}
	sum := sha256.Sum256(raw)
	seed := int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
	return rand.New(rand.NewSource(seed))
}

func teamPrefix(team types.TeamID) string {
	if team == types.TeamA {
		return "Azure"
	}
	return "Cinder"
}

func pick(rng *rand.Rand, options []string) string {
	return options[rng.Intn(len(options))]
}

func adjectives(rng *rand.Rand) string {
	words := []string{
		"windswept", "luminous", "austere", "verdigris", "salt-stung", "hushed",
		"cathedralic", "labyrinthine", "brine-sweet", "rusted", "glasslike", "emberlit",
	}
	rng.Shuffle(len(words), func(i, j int) { words[i], words[j] = words[j], words[i] })
	n := 3 + rng.Intn(3)
	out := words[0]
	for _, w := range words[1:n] {
		out += ", " + w
	}
	return out
}

func (m *Mock) StartConversation(_ context.Context, team types.TeamID, matchSeed int64, ch types.Challenge, initialCanon types.Canon) (*Handle, error) {
	return &Handle{
		provider:  "mock",
		team:      team,
		seed:      matchSeed,
		challenge: ch,
	}, nil
}

func (m *Mock) GenerateTurn(ctx context.Context, h *Handle, spec TurnSpec) (types.TurnOutput, *Handle, Usage, error) {
	if err := ctx.Err(); err != nil {
		return types.TurnOutput{}, h, Usage{}, &Error{Kind: ErrTimeout, Message: "mock turn cancelled", Err: err}
	}

	rng := stableRNG("mock-llm", h.seed, h.team, spec.Phase, spec.Round, spec.Role, spec.TurnType, spec.Attempt, spec.Tiebreak)

	var out types.TurnOutput
	switch spec.TurnType {
	case types.TurnProposal:
		out = m.proposalTurn(rng, h, spec)
	case types.TurnObjection:
		out = m.objectionTurn(rng, spec)
	case types.TurnResponse:
		out = m.responseTurn(rng, spec)
	case types.TurnResolution:
		out = m.resolutionTurn(h, spec)
	case types.TurnVote:
		out = m.voteTurn(rng, spec)
	default:
		return types.TurnOutput{}, h, Usage{}, &Error{Kind: ErrSchemaViolation, Message: fmt.Sprintf("unhandled turn type %q", spec.TurnType)}
	}

	if m.hook != nil {
		m.hook(spec, h.team, &out)
	}

	next := *h
	next.turnCount++
	usage := Usage{
		InputTokens:  len(buildTurnPrompt(spec)) / 4,
		OutputTokens: len(out.Content) / 4,
	}
	return out, &next, usage, nil
}

func (m *Mock) proposalTurn(rng *rand.Rand, h *Handle, spec TurnSpec) types.TurnOutput {
	team := teamPrefix(h.team)
	switch spec.Phase {
	case 1:
		worldName := team + " " + pick(rng, []string{"Bastion", "Haven", "Sanctum", "Spires", "Archive"})
		governing := pick(rng, []string{
			"Light is sacred and rationed; every public act consumes measured radiance.",
			"All structures must be temporary; permanence is treated as a social crime.",
			"Vertical space is status; altitude dictates law, diet, and dialect.",
			"The founders are alive but sleeping; citizens interpret their dreams as edicts.",
		})
		mood := adjectives(rng)
		return types.TurnOutput{
			SpeakerRole: spec.Role,
			TurnType:    spec.TurnType,
			Content:     fmt.Sprintf("Proposal: name the place **%s** and center it on: %s Mood: %s.", worldName, governing, mood),
			CanonPatch: []types.PatchOp{
				{Op: "replace", Path: "/world_name", Value: worldName},
				{Op: "replace", Path: "/governing_logic", Value: governing},
				{Op: "replace", Path: "/aesthetic_mood", Value: mood},
				{Op: "replace", Path: "/inhabitants/appearance", Value: fmt.Sprintf("%s %s", pick(rng, []string{"lithe", "scarred", "mask-wearing", "ink-stained"}), h.challenge.Inhabitants)},
				{Op: "replace", Path: "/inhabitants/culture_snapshot", Value: fmt.Sprintf("They trade in %s and speak in ritual shorthand to honor the rule.", pick(rng, []string{"songs", "salt", "ink", "hours"}))},
				{Op: "replace", Path: "/inhabitants/relationship_to_place", Value: "They treat the environment as a living ledger; every change must be paid back later."},
			},
		}
	case 2:
		idx := spec.Round - 1
		if idx > 2 {
			idx = 2
		}
		name := team + " " + pick(rng, []string{"Steps", "Furnace", "Grotto", "Causeway", "Aviary"})
		return types.TurnOutput{
			SpeakerRole: spec.Role,
			TurnType:    spec.TurnType,
			Content:     fmt.Sprintf("Proposal: define landmark %d as **%s** tied to the governing logic.", idx+1, name),
			CanonPatch: []types.PatchOp{
				{Op: "replace", Path: fmt.Sprintf("/landmarks/%d/name", idx), Value: name},
				{Op: "replace", Path: fmt.Sprintf("/landmarks/%d/description", idx), Value: fmt.Sprintf("A %s landmark shaped by the rule: %s.", h.challenge.BiomeSetting, pick(rng, []string{"echoing", "knife-edged", "slowly migrating", "lantern-lit"}))},
				{Op: "replace", Path: fmt.Sprintf("/landmarks/%d/significance", idx), Value: pick(rng, []string{
					"It is where disputes are settled by ritual measurements.",
					"It stores the community's most expensive resources.",
					"It marks the boundary between legal and taboo behavior.",
				})},
				{Op: "replace", Path: fmt.Sprintf("/landmarks/%d/visual_key", idx), Value: pick(rng, []string{
					"floating lanterns tethered by braided wire",
					"obsidian tiles that drink reflections",
					"wind-bells made of bone-white glass",
					"a spiral of red moss glowing in the dark",
				})},
			},
		}
	case 3:
		return types.TurnOutput{
			SpeakerRole: spec.Role,
			TurnType:    spec.TurnType,
			Content:     "Proposal: inject a tension that makes the rule unstable in a visible way.",
			CanonPatch: []types.PatchOp{
				{Op: "replace", Path: "/tension/conflict", Value: pick(rng, []string{
					"A black-market of forbidden permanence spreads beneath the official rituals.",
					"The ration of sacred light is shrinking, and no one agrees why.",
					"Old dream-edicts contradict new survival needs, splitting households.",
				})},
				{Op: "replace", Path: "/tension/stakes", Value: "If unresolved, the rule that holds the city together will become a weapon instead of a compass."},
				{Op: "replace", Path: "/tension/visual_manifestation", Value: pick(rng, []string{
					"public lamps flicker during arguments, casting long, accusatory shadows",
					"temporary buildings sag as if exhausted, then are torn down overnight",
					"secret stairways bloom with illegal carvings that refuse to erode",
				})},
			},
		}
	default:
		hero := fmt.Sprintf(
			"A wide establishing shot of the %s realm in a %s, with %s going about their daily rituals. "+
				"The twist constraint '%s' manifests in the architecture and lighting. "+
				"Foreground figures reveal culture through gesture, tools, and dress; the key tension is visible in the scene.",
			team, h.challenge.BiomeSetting, h.challenge.Inhabitants, h.challenge.TwistConstraint)
		return types.TurnOutput{
			SpeakerRole: spec.Role,
			TurnType:    spec.TurnType,
			Content:     "Proposal: crystallize the final spec with a hero image description that embodies the canon.",
			CanonPatch:  []types.PatchOp{{Op: "replace", Path: "/hero_image_description", Value: hero}},
		}
	}
}

func (m *Mock) objectionTurn(rng *rand.Rand, spec TurnSpec) types.TurnOutput {
	return types.TurnOutput{
		SpeakerRole: spec.Role,
		TurnType:    spec.TurnType,
		Content: pick(rng, []string{
			"Objection: What fails first under stress? If outsiders arrive, how does the rule prevent exploitation instead of enabling it?",
			"Objection: This risks becoming vibes-only. What concrete mechanism enforces the rule day-to-day, and what is the loophole?",
			"Objection: The proposal creates a neat story, but where does the mess come from: waste, dissent, weather, scarcity?",
		}),
		References: spec.ExpectedRefs,
	}
}

func (m *Mock) responseTurn(rng *rand.Rand, spec TurnSpec) types.TurnOutput {
	return types.TurnOutput{
		SpeakerRole: spec.Role,
		TurnType:    spec.TurnType,
		Content: pick(rng, []string{
			"Response: Add a visible enforcement ritual (tokens, lamps, ledgers) plus a quiet workaround only insiders understand, so the rule stays believable under pressure.",
			"Response: Tie the rule to infrastructure such as water, light, and elevators, so breaking it carries immediate material consequences rather than abstract shame.",
			"Response: Ground it with one concrete example of daily life, plus a contradiction that foreshadows later tension without undermining the core rule.",
		}),
		References: spec.ExpectedRefs,
	}
}

func (m *Mock) resolutionTurn(h *Handle, spec TurnSpec) types.TurnOutput {
	// The merged patch tracks what the round's proposer would have put
	// forward, so resolutions stay inside the phase's writable region.
	proposalRNG := stableRNG("mock-llm", h.seed, h.team, spec.Phase, spec.Round, "PROPOSAL-BASE", spec.Tiebreak)
	base := m.proposalTurn(proposalRNG, h, TurnSpec{Role: spec.Role, TurnType: types.TurnProposal, Phase: spec.Phase, Round: spec.Round})

	ref := ""
	if len(spec.ExpectedRefs) > 0 {
		ref = spec.ExpectedRefs[0]
	}
	content := fmt.Sprintf("Resolution: merging %s with the objection's edge case by adding an enforcement mechanism and a known loophole.", ref)
	if spec.Tiebreak {
		content = fmt.Sprintf("Resolution (binding tie-break): adopting the merged patch from %s with the enforcement mechanism made explicit.", ref)
	}
	return types.TurnOutput{
		SpeakerRole: spec.Role,
		TurnType:    spec.TurnType,
		Content:     content,
		CanonPatch:  base.CanonPatch,
		References:  spec.ExpectedRefs,
	}
}

func (m *Mock) voteTurn(_ *rand.Rand, spec TurnSpec) types.TurnOutput {
	choice := types.VoteAccept
	if (spec.Role == types.RoleContrarian || spec.Role == types.RoleLorekeeper) &&
		((spec.Phase == 2 && spec.Round == 2) || (spec.Phase == 3 && spec.Round == 1)) {
		choice = types.VoteAmend
	}
	out := types.TurnOutput{
		SpeakerRole: spec.Role,
		TurnType:    spec.TurnType,
		Content:     fmt.Sprintf("Vote: %s", choice),
		Vote:        &types.Vote{Choice: choice},
	}
	if choice == types.VoteAmend {
		out.Vote.AmendmentSummary = "Sharpen the stakes with a specific visible tell."
		if len(spec.PendingPatch) > 0 {
			path := "/landmarks/0/visual_key"
			if spec.Phase == 3 {
				path = "/tension/visual_manifestation"
			}
			out.CanonPatch = append(append([]types.PatchOp{}, spec.PendingPatch...), types.PatchOp{
				Op: "replace", Path: path,
				Value: "a pulse of warning light that spreads across surfaces like spilled ink",
			})
		}
	}
	return out
}

func (m *Mock) GeneratePromptPack(_ context.Context, matchSeed int64, team types.TeamID, canon types.Canon) (types.PromptPack, error) {
	rng := stableRNG("mock-prompt-pack", matchSeed, team)

	str := func(key string) string {
		if v, ok := canon[key].(string); ok {
			return v
		}
		return ""
	}
	worldName := str("world_name")
	if worldName == "" {
		worldName = teamPrefix(team)
	}
	mood := str("aesthetic_mood")
	if mood == "" {
		mood = "atmospheric, cinematic"
	}
	governing := str("governing_logic")

	style := pick(rng, []string{
		"cinematic concept art, ultra-detailed, volumetric lighting",
		"painterly matte painting, moody atmosphere, high detail",
		"photoreal, wide dynamic range, dramatic lighting",
		"stylized realism, rich texture, soft haze",
	})
	suffix := fmt.Sprintf("Style: %s. Mood: %s. Governing logic visible: %s", style, mood, governing)

	var triptych []types.ImagePrompt
	landmarks, _ := canon["landmarks"].([]any)
	for i := 0; i < 3; i++ {
		lm := map[string]any{}
		if i < len(landmarks) {
			lm, _ = landmarks[i].(map[string]any)
		}
		field := func(k string) string {
			v, _ := lm[k].(string)
			return v
		}
		name := field("name")
		if name == "" {
			name = fmt.Sprintf("Landmark %d", i+1)
		}
		triptych = append(triptych, types.ImagePrompt{
			Title:       "Landmark: " + name,
			Prompt:      fmt.Sprintf("Square composition of %s. %s Key visual: %s. Significance: %s. %s", name, field("description"), field("visual_key"), field("significance"), suffix),
			AspectRatio: "1:1",
		})
	}

	inhab, _ := canon["inhabitants"].(map[string]any)
	tension, _ := canon["tension"].(map[string]any)
	sub := func(m map[string]any, k string) string {
		v, _ := m[k].(string)
		return v
	}

	return types.PromptPack{
		HeroImage: types.ImagePrompt{
			Title:       "Hero Image: " + worldName,
			Prompt:      fmt.Sprintf("%s\n%s", str("hero_image_description"), suffix),
			AspectRatio: "16:9",
		},
		LandmarkTriptych: triptych,
		InhabitantPortrait: types.ImagePrompt{
			Title: "Inhabitant Portrait: " + worldName,
			Prompt: fmt.Sprintf("Portrait of an inhabitant of %s in context. Appearance: %s. Culture: %s. Relationship to place: %s. %s",
				worldName, sub(inhab, "appearance"), sub(inhab, "culture_snapshot"), sub(inhab, "relationship_to_place"), suffix),
			AspectRatio: "3:4",
		},
		TensionSnapshot: types.ImagePrompt{
			Title: "Tension Snapshot: " + worldName,
			Prompt: fmt.Sprintf("A narrative moment in %s showing the central tension. Conflict: %s. Stakes: %s. Visible manifestation: %s. %s",
				worldName, sub(tension, "conflict"), sub(tension, "stakes"), sub(tension, "visual_manifestation"), suffix),
			AspectRatio: "16:9",
		},
	}, nil
}
