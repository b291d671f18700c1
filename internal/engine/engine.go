// Package engine runs one team's rule-bound deliberation: the phase/round
// state machine, the validation/repair loop, vote aggregation with the
// synthesizer tie-break, and phase-4 ratification. Two engines run per match,
// one per team, each owning its canon exclusively.
package engine

import (
	"context"
	"fmt"
	"strings"

	"worldbuild/internal/canon"
	"worldbuild/internal/contracts"
	"worldbuild/internal/logging"
	"worldbuild/internal/provider"
	"worldbuild/internal/types"
	"worldbuild/internal/validation"
)

// ErrRatificationFailed aborts the match when phase 4 fails to reach a
// unanimous ACCEPT twice.
var ErrRatificationFailed = fmt.Errorf("ratification_failed")

// Sink receives every event the engine produces, in order. The runner wires
// it to the event log and the hub; an error aborts the engine.
type Sink func(ctx context.Context, eventType string, team *types.TeamID, data any) error

// Config bounds the repair loop.
type Config struct {
	MaxRepairAttempts int
}

// DefaultConfig matches the production bounds: 2 repairs, 3 calls per turn.
func DefaultConfig() Config {
	return Config{MaxRepairAttempts: 2}
}

// Engine is one team's deliberation pipeline. Not safe for concurrent use;
// the runner drives it from a single goroutine.
type Engine struct {
	team      types.TeamID
	llm       provider.Client
	sink      Sink
	cfg       Config
	seed      int64
	challenge types.Challenge

	store  *canon.Store
	handle *provider.Handle

	turnCounter  int
	turnIDs      []string
	lastProposer types.Role
	gapHint      string
}

// New builds an engine for one team.
func New(team types.TeamID, llm provider.Client, sink Sink, cfg Config) *Engine {
	if cfg.MaxRepairAttempts == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{team: team, llm: llm, sink: sink, cfg: cfg}
}

func (e *Engine) emit(ctx context.Context, eventType string, data any) error {
	team := e.team
	return e.sink(ctx, eventType, &team, data)
}

// Init seeds the canon store with the placeholder document, opens the
// provider conversation, and emits canon_initialized.
func (e *Engine) Init(ctx context.Context, seed int64, ch types.Challenge) error {
	e.seed = seed
	e.challenge = ch

	initial := canon.Placeholder(e.team, ch)
	store, err := canon.NewStore(initial)
	if err != nil {
		return err
	}
	e.store = store

	handle, err := e.llm.StartConversation(ctx, e.team, seed, ch, initial)
	if err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	e.handle = handle

	hash, err := store.Hash()
	if err != nil {
		return err
	}
	return e.emit(ctx, types.EventCanonInitialized, types.CanonInitializedData{
		Canon:     store.Current(),
		CanonHash: hash,
	})
}

// Canon returns a copy of the team's current canon.
func (e *Engine) Canon() types.Canon { return e.store.Current() }

// CanonHash returns the canonical hash of the team's current canon.
func (e *Engine) CanonHash() (string, error) { return e.store.Hash() }

// RunPhase executes one phase to completion. Phases 1 through 3 run their
// deliberation rounds, phase 4 runs ratification, and phase 5 generates the
// prompt pack.
func (e *Engine) RunPhase(ctx context.Context, phase int) error {
	rounds, ok := PhaseRounds[phase]
	if !ok {
		return fmt.Errorf("unknown phase %d", phase)
	}
	if err := e.emit(ctx, types.EventPhaseStarted, types.PhaseStartedData{Phase: phase, RoundCount: rounds}); err != nil {
		return err
	}

	switch {
	case phase >= 1 && phase <= 3:
		e.lastProposer = ""
		proposer := types.RoleArchitect
		for round := 1; round <= rounds; round++ {
			if err := e.runRound(ctx, phase, round, proposer); err != nil {
				return err
			}
			proposer = otherProposer(proposer)
		}
		return nil
	case phase == 4:
		return e.runRatification(ctx)
	case phase == 5:
		return e.runPromptPack(ctx)
	default:
		return fmt.Errorf("unknown phase %d", phase)
	}
}

// runTurn drives one turn slot through the repair loop. It returns the slot's
// turn id, the validated output, and whether the slot produced a usable turn.
// A hard error is returned only for cancellation or sink failure; provider
// and validation exhaustion abandon the slot instead.
func (e *Engine) runTurn(ctx context.Context, spec provider.TurnSpec) (string, types.TurnOutput, bool, error) {
	e.turnCounter++
	turnID := fmt.Sprintf("%s-%d-%d-%d", e.team, spec.Phase, spec.Round, e.turnCounter)

	var repairErrors []string
	var priorOutput *types.TurnOutput

	for attempt := 0; ; attempt++ {
		spec.Attempt = attempt
		spec.RepairErrors = repairErrors
		spec.PriorOutput = priorOutput
		spec.Canon = e.store.Current()

		out, next, _, err := e.llm.GenerateTurn(ctx, e.handle, spec)
		if err != nil {
			if ctx.Err() != nil {
				return "", types.TurnOutput{}, false, err
			}
			// Retry budget exhausted inside the adapter: a turn failure,
			// not a match failure.
			logging.Engine().Warnw("provider call failed", "team", e.team, "turn", turnID, "err", err)
			if emitErr := e.emit(ctx, types.EventTurnValidationFailed, types.TurnValidationFailedData{
				Phase: spec.Phase, Round: spec.Round, TurnID: turnID, Errors: []string{err.Error()},
			}); emitErr != nil {
				return "", types.TurnOutput{}, false, emitErr
			}
			return turnID, types.TurnOutput{}, false, nil
		}
		e.handle = next

		res := validation.ValidateTurn(out, validation.Context{
			Spec:         spec,
			Store:        e.store,
			LastProposer: e.lastProposer,
			PriorTurnIDs: e.turnIDs,
		})
		if res.OK {
			if err := e.emit(ctx, types.EventTurnEmitted, types.TurnEmittedData{
				Phase: spec.Phase, Round: spec.Round, TurnID: turnID, Output: out,
			}); err != nil {
				return "", types.TurnOutput{}, false, err
			}
			e.turnIDs = append(e.turnIDs, turnID)
			return turnID, out, true, nil
		}

		if attempt >= e.cfg.MaxRepairAttempts {
			if err := e.emit(ctx, types.EventTurnValidationFailed, types.TurnValidationFailedData{
				Phase: spec.Phase, Round: spec.Round, TurnID: turnID, Errors: res.Strings(),
			}); err != nil {
				return "", types.TurnOutput{}, false, err
			}
			return turnID, types.TurnOutput{}, false, nil
		}

		repairErrors = res.Strings()
		copied := out
		priorOutput = &copied
	}
}

type ballot struct {
	role types.Role
	out  *types.TurnOutput // nil for an engine-recorded ABSTAIN
}

func (e *Engine) runRound(ctx context.Context, phase, round int, proposer types.Role) error {
	prefixes := canon.AllowedPrefixes(phase)
	abstains := map[types.Role]bool{}
	var refs []string

	gapHint := e.gapHint
	e.gapHint = ""

	proposalID, _, proposalOK, err := e.runTurn(ctx, provider.TurnSpec{
		Role: proposer, TurnType: types.TurnProposal, Phase: phase, Round: round,
		AllowedPrefixes: prefixes, GapHint: gapHint,
	})
	if err != nil {
		return err
	}
	if proposalOK {
		refs = append(refs, proposalID)
		e.lastProposer = proposer
	} else {
		abstains[proposer] = true
	}

	objectionID, _, objectionOK, err := e.runTurn(ctx, provider.TurnSpec{
		Role: types.RoleContrarian, TurnType: types.TurnObjection, Phase: phase, Round: round,
		AllowedPrefixes: prefixes, ExpectedRefs: refs,
	})
	if err != nil {
		return err
	}
	if objectionOK {
		refs = append(refs, objectionID)
	} else {
		abstains[types.RoleContrarian] = true
	}

	for _, responder := range responderOrder(proposer) {
		responseID, _, responseOK, err := e.runTurn(ctx, provider.TurnSpec{
			Role: responder, TurnType: types.TurnResponse, Phase: phase, Round: round,
			AllowedPrefixes: prefixes, ExpectedRefs: refs,
		})
		if err != nil {
			return err
		}
		if responseOK {
			refs = append(refs, responseID)
		} else {
			abstains[responder] = true
		}
	}

	resolutionID, resolution, resolutionOK, err := e.runTurn(ctx, provider.TurnSpec{
		Role: types.RoleSynthesizer, TurnType: types.TurnResolution, Phase: phase, Round: round,
		AllowedPrefixes: prefixes, ExpectedRefs: refs,
	})
	if err != nil {
		return err
	}

	if !resolutionOK {
		// Nothing to vote on: the round collapses straight to the
		// tie-break path with an all-abstain tally.
		tally := tallyBallots(make([]ballot, len(types.AllRoles)))
		if err := e.emit(ctx, types.EventVoteResult, types.VoteResultData{
			Phase: phase, Round: round, Result: types.ResultDeadlock, Tally: tally,
		}); err != nil {
			return err
		}
		return e.runTiebreak(ctx, phase, round, tally)
	}

	ballots, err := e.collectVotes(ctx, phase, round, resolutionID, resolution.CanonPatch, abstains)
	if err != nil {
		return err
	}

	result, patch := evaluateVotes(ballots, resolution.CanonPatch)
	tally := tallyBallots(ballots)

	if result == types.ResultDeadlock {
		if err := e.emit(ctx, types.EventVoteResult, types.VoteResultData{
			Phase: phase, Round: round, Result: types.ResultDeadlock, Tally: tally,
		}); err != nil {
			return err
		}
		return e.runTiebreak(ctx, phase, round, tally)
	}

	if err := e.emit(ctx, types.EventVoteResult, types.VoteResultData{
		Phase: phase, Round: round, Result: result, Tally: tally,
	}); err != nil {
		return err
	}

	switch result {
	case types.ResultReject:
		e.gapHint = fmt.Sprintf("round %d.%d was rejected (tally %v); the next proposal must address the standing objection", phase, round, tally)
		return nil
	case types.ResultAccept, types.ResultAmend:
		return e.applyPatch(ctx, phase, round, resolutionID, patch)
	}
	return nil
}

// collectVotes asks each role for its ballot. Roles whose earlier turn in
// the round was abandoned are recorded as ABSTAIN without a provider call;
// a vote slot that itself fails validation is also an ABSTAIN.
func (e *Engine) collectVotes(ctx context.Context, phase, round int, resolutionID string, pendingPatch []types.PatchOp, abstains map[types.Role]bool) ([]ballot, error) {
	var refs []string
	if resolutionID != "" {
		refs = []string{resolutionID}
	}
	ballots := make([]ballot, 0, len(types.AllRoles))
	for _, role := range types.AllRoles {
		if abstains[role] {
			ballots = append(ballots, ballot{role: role})
			continue
		}
		_, out, ok, err := e.runTurn(ctx, provider.TurnSpec{
			Role: role, TurnType: types.TurnVote, Phase: phase, Round: round,
			AllowedPrefixes: canon.AllowedPrefixes(phase), ExpectedRefs: refs, PendingPatch: pendingPatch,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			ballots = append(ballots, ballot{role: role})
			continue
		}
		copied := out
		ballots = append(ballots, ballot{role: role, out: &copied})
	}
	return ballots, nil
}

func tallyBallots(ballots []ballot) map[types.VoteChoice]int {
	tally := map[types.VoteChoice]int{
		types.VoteAccept: 0, types.VoteAmend: 0, types.VoteReject: 0, types.VoteAbstain: 0,
	}
	for _, b := range ballots {
		if b.out == nil || b.out.Vote == nil {
			tally[types.VoteAbstain]++
			continue
		}
		tally[b.out.Vote.Choice]++
	}
	return tally
}

// evaluateVotes applies the aggregation rules in order. ABSTAIN counts as
// REJECT for the ≥2 REJECT rule. The synthesizer's resolution patch is the
// authoritative amendment source; the shared-summary AMEND pair only gates
// acceptance.
func evaluateVotes(ballots []ballot, synthesizerPatch []types.PatchOp) (types.VoteResult, []types.PatchOp) {
	tally := tallyBallots(ballots)

	if tally[types.VoteAccept] >= 3 {
		return types.ResultAccept, synthesizerPatch
	}

	if tally[types.VoteAmend] >= 2 {
		summaries := map[string]int{}
		for _, b := range ballots {
			if b.out != nil && b.out.Vote != nil && b.out.Vote.Choice == types.VoteAmend {
				summaries[strings.TrimSpace(b.out.Vote.AmendmentSummary)]++
			}
		}
		for summary, count := range summaries {
			if summary != "" && count >= 2 && len(synthesizerPatch) > 0 {
				return types.ResultAmend, synthesizerPatch
			}
		}
	}

	if tally[types.VoteReject]+tally[types.VoteAbstain] >= 2 {
		return types.ResultReject, nil
	}

	return types.ResultDeadlock, nil
}

// runTiebreak invokes the binding second RESOLUTION after a deadlock. A
// usable resolution with a non-empty patch decides ACCEPT; anything else
// decides REJECT.
func (e *Engine) runTiebreak(ctx context.Context, phase, round int, tally map[types.VoteChoice]int) error {
	var refs []string
	if n := len(e.turnIDs); n > 0 {
		refs = []string{e.turnIDs[n-1]}
	}
	resolutionID, resolution, ok, err := e.runTurn(ctx, provider.TurnSpec{
		Role: types.RoleSynthesizer, TurnType: types.TurnResolution, Phase: phase, Round: round,
		AllowedPrefixes: canon.AllowedPrefixes(phase), ExpectedRefs: refs, Tiebreak: true,
	})
	if err != nil {
		return err
	}

	result := types.ResultReject
	if ok && len(resolution.CanonPatch) > 0 {
		result = types.ResultAccept
	}
	if err := e.emit(ctx, types.EventVoteResult, types.VoteResultData{
		Phase: phase, Round: round, Result: result, Tally: tally,
	}); err != nil {
		return err
	}
	if result == types.ResultReject {
		e.gapHint = fmt.Sprintf("round %d.%d deadlocked and the tie-break rejected it; the next proposal must address the split", phase, round)
		return nil
	}
	return e.applyPatch(ctx, phase, round, resolutionID, resolution.CanonPatch)
}

func (e *Engine) applyPatch(ctx context.Context, phase, round int, turnID string, patch []types.PatchOp) error {
	if len(patch) == 0 {
		return nil
	}
	before, after, err := e.store.Apply(phase, patch)
	if err != nil {
		// The validator dry-ran this patch against the same document, so a
		// failure here indicates an engine bug rather than bad model output.
		return fmt.Errorf("apply accepted patch: %w", err)
	}
	return e.emit(ctx, types.EventCanonPatchApplied, types.CanonPatchAppliedData{
		Phase: phase, Round: round, TurnID: turnID, Patch: patch,
		CanonBeforeHash: before, CanonAfterHash: after,
	})
}

// runRatification runs phase 4: one synthesizer RESOLUTION carrying the
// crystallizing patch, then a vote that must be a unanimous ACCEPT. A single
// repeat is allowed; a second failure fails the match.
func (e *Engine) runRatification(ctx context.Context) error {
	const phase, round = 4, 1
	for attempt := 0; attempt < 2; attempt++ {
		var refs []string
		if n := len(e.turnIDs); n > 0 {
			refs = []string{e.turnIDs[n-1]}
		}
		resolutionID, resolution, ok, err := e.runTurn(ctx, provider.TurnSpec{
			Role: types.RoleSynthesizer, TurnType: types.TurnResolution, Phase: phase, Round: round,
			AllowedPrefixes: canon.AllowedPrefixes(phase), ExpectedRefs: refs,
		})
		if err != nil {
			return err
		}
		if !ok {
			logging.Engine().Warnw("ratification resolution abandoned", "team", e.team, "attempt", attempt)
			continue
		}

		ballots, err := e.collectVotes(ctx, phase, round, resolutionID, resolution.CanonPatch, map[types.Role]bool{})
		if err != nil {
			return err
		}
		tally := tallyBallots(ballots)
		if tally[types.VoteAccept] != len(types.AllRoles) {
			if err := e.emit(ctx, types.EventVoteResult, types.VoteResultData{
				Phase: phase, Round: round, Result: types.ResultReject, Tally: tally,
			}); err != nil {
				return err
			}
			logging.Engine().Warnw("ratification vote not unanimous", "team", e.team, "attempt", attempt, "tally", tally)
			continue
		}

		if err := e.emit(ctx, types.EventVoteResult, types.VoteResultData{
			Phase: phase, Round: round, Result: types.ResultAccept, Tally: tally,
		}); err != nil {
			return err
		}
		if len(resolution.CanonPatch) > 0 {
			if err := e.applyPatch(ctx, phase, round, resolutionID, resolution.CanonPatch); err != nil {
				return err
			}
		} else if res := contracts.ValidateCanon(e.store.Current()); !res.OK {
			logging.Engine().Warnw("ratified canon invalid", "team", e.team, "errors", res.Errors)
			continue
		}
		return nil
	}
	return ErrRatificationFailed
}

// runPromptPack is phase 5: a fresh, transcript-free provider call that
// converts the final canon into image prompts.
func (e *Engine) runPromptPack(ctx context.Context) error {
	pack, err := e.llm.GeneratePromptPack(ctx, e.seed, e.team, e.store.Current())
	if err != nil {
		return fmt.Errorf("generate prompt pack: %w", err)
	}
	if res := contracts.ValidatePromptPack(pack); !res.OK {
		return fmt.Errorf("prompt pack failed contract validation: %s", strings.Join(res.Errors, "; "))
	}
	return e.emit(ctx, types.EventPromptPackGenerated, types.PromptPackGeneratedData{PromptPack: pack})
}
