package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldbuild/internal/challenge"
	"worldbuild/internal/contracts"
	"worldbuild/internal/provider"
	"worldbuild/internal/types"
)

type recorded struct {
	Type string
	Team *types.TeamID
	Data any
}

type recorder struct {
	events []recorded
}

func (r *recorder) sink(_ context.Context, eventType string, team *types.TeamID, data any) error {
	r.events = append(r.events, recorded{Type: eventType, Team: team, Data: data})
	return nil
}

func (r *recorder) ofType(eventType string) []recorded {
	var out []recorded
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEngine(t *testing.T, seed int64, opts ...provider.MockOption) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	mock := provider.NewMock(provider.Config{Provider: "mock"}, opts...)
	e := New(types.TeamA, mock, rec.sink, DefaultConfig())

	ch, err := challenge.Generate(seed, 1)
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background(), seed, ch))
	return e, rec
}

func runPhases(t *testing.T, e *Engine, upTo int) {
	t.Helper()
	for phase := 1; phase <= upTo; phase++ {
		require.NoError(t, e.RunPhase(context.Background(), phase))
	}
}

func TestCleanMatchSingleTeam(t *testing.T) {
	e, rec := newTestEngine(t, 42)
	runPhases(t, e, 5)

	assert.Len(t, rec.ofType(types.EventPhaseStarted), 5)
	assert.Empty(t, rec.ofType(types.EventTurnValidationFailed))

	// 9 deliberation rounds of 10 turns each, plus 5 ratification turns.
	assert.Len(t, rec.ofType(types.EventTurnEmitted), 95)
	assert.Len(t, rec.ofType(types.EventVoteResult), 10)
	assert.Len(t, rec.ofType(types.EventCanonPatchApplied), 10)
	assert.Len(t, rec.ofType(types.EventPromptPackGenerated), 1)

	// Final canon satisfies the full contract.
	res := contracts.ValidateCanon(e.Canon())
	assert.True(t, res.OK, "final canon invalid: %v", res.Errors)

	hash, err := e.CanonHash()
	require.NoError(t, err)
	assert.Len(t, hash, 64)
}

func TestDeterministicAcrossRuns(t *testing.T) {
	e1, rec1 := newTestEngine(t, 7)
	runPhases(t, e1, 5)
	e2, rec2 := newTestEngine(t, 7)
	runPhases(t, e2, 5)

	h1, err := e1.CanonHash()
	require.NoError(t, err)
	h2, err := e2.CanonHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, len(rec1.events), len(rec2.events))
}

func TestProposerAlternatesWithinPhase(t *testing.T) {
	e, rec := newTestEngine(t, 42)
	runPhases(t, e, 2)

	var proposers []types.Role
	for _, ev := range rec.ofType(types.EventTurnEmitted) {
		data := ev.Data.(types.TurnEmittedData)
		if data.Output.TurnType == types.TurnProposal && data.Phase == 2 {
			proposers = append(proposers, data.Output.SpeakerRole)
		}
	}
	require.Len(t, proposers, 4)
	assert.Equal(t, types.RoleArchitect, proposers[0], "each phase opens with the Architect")
	for i := 1; i < len(proposers); i++ {
		assert.NotEqual(t, proposers[i-1], proposers[i])
	}
}

func TestDeadlockTriggersBindingTiebreak(t *testing.T) {
	scripted := map[types.Role]types.VoteChoice{
		types.RoleArchitect:   types.VoteAccept,
		types.RoleLorekeeper:  types.VoteAmend,
		types.RoleContrarian:  types.VoteReject,
		types.RoleSynthesizer: types.VoteAccept,
	}
	hook := func(spec provider.TurnSpec, _ types.TeamID, out *types.TurnOutput) {
		if spec.TurnType != types.TurnVote || spec.Phase != 2 || spec.Round != 1 {
			return
		}
		choice := scripted[spec.Role]
		out.Vote = &types.Vote{Choice: choice}
		out.CanonPatch = nil
		if choice == types.VoteAmend {
			out.Vote.AmendmentSummary = "tighten the visual tell"
		}
	}

	e, rec := newTestEngine(t, 42, provider.WithTurnHook(hook))
	runPhases(t, e, 2)

	var phase2Round1 []recorded
	for _, ev := range rec.events {
		switch data := ev.Data.(type) {
		case types.VoteResultData:
			if data.Phase == 2 && data.Round == 1 {
				phase2Round1 = append(phase2Round1, ev)
			}
		case types.TurnEmittedData:
			if data.Phase == 2 && data.Round == 1 && data.Output.TurnType == types.TurnResolution {
				phase2Round1 = append(phase2Round1, ev)
			}
		}
	}

	// Expected shape: first resolution, DEADLOCK vote_result, tie-break
	// resolution, then a binding ACCEPT.
	require.Len(t, phase2Round1, 4)
	assert.Equal(t, types.EventTurnEmitted, phase2Round1[0].Type)
	first := phase2Round1[1].Data.(types.VoteResultData)
	assert.Equal(t, types.ResultDeadlock, first.Result)
	assert.Equal(t, 2, first.Tally[types.VoteAccept])
	assert.Equal(t, types.EventTurnEmitted, phase2Round1[2].Type)
	second := phase2Round1[3].Data.(types.VoteResultData)
	assert.Contains(t, []types.VoteResult{types.ResultAccept, types.ResultReject}, second.Result)
	assert.Equal(t, types.ResultAccept, second.Result, "mock tie-break resolution carries a patch")
}

func TestPhaseRestrictedProposalIsAbandoned(t *testing.T) {
	hook := func(spec provider.TurnSpec, _ types.TeamID, out *types.TurnOutput) {
		if spec.TurnType == types.TurnProposal && spec.Phase == 1 && spec.Round == 1 {
			out.CanonPatch = []types.PatchOp{{Op: "replace", Path: "/tension/conflict", Value: "too early"}}
		}
	}
	e, rec := newTestEngine(t, 42, provider.WithTurnHook(hook))
	require.NoError(t, e.RunPhase(context.Background(), 1))

	failed := rec.ofType(types.EventTurnValidationFailed)
	require.Len(t, failed, 1, "one abandonment after exhausting repairs")
	data := failed[0].Data.(types.TurnValidationFailedData)
	assert.Equal(t, 1, data.Phase)
	assert.Equal(t, 1, data.Round)
	require.NotEmpty(t, data.Errors)
	assert.Contains(t, data.Errors[0], "patch_rejected_phase")

	// The proposer abstains in the vote; the round still resolves.
	results := rec.ofType(types.EventVoteResult)
	require.NotEmpty(t, results)
	round1 := results[0].Data.(types.VoteResultData)
	assert.Equal(t, 1, round1.Tally[types.VoteAbstain])
}

func TestRepairSucceedsOnSecondAttempt(t *testing.T) {
	calls := 0
	hook := func(spec provider.TurnSpec, _ types.TeamID, out *types.TurnOutput) {
		if spec.TurnType == types.TurnProposal && spec.Phase == 1 && spec.Round == 1 {
			calls++
			if spec.Attempt == 0 {
				out.SpeakerRole = ""
			}
		}
	}
	e, rec := newTestEngine(t, 42, provider.WithTurnHook(hook))
	require.NoError(t, e.RunPhase(context.Background(), 1))

	assert.Equal(t, 2, calls, "one failed call plus one successful repair")
	assert.Empty(t, rec.ofType(types.EventTurnValidationFailed))

	var round1Proposals int
	for _, ev := range rec.ofType(types.EventTurnEmitted) {
		data := ev.Data.(types.TurnEmittedData)
		if data.Round == 1 && data.Output.TurnType == types.TurnProposal {
			round1Proposals++
		}
	}
	assert.Equal(t, 1, round1Proposals, "exactly one turn_emitted for the repaired slot")
}

func TestRatificationFailureFailsAfterOneRetry(t *testing.T) {
	hook := func(spec provider.TurnSpec, _ types.TeamID, out *types.TurnOutput) {
		if spec.TurnType == types.TurnVote && spec.Phase == 4 && spec.Role == types.RoleContrarian {
			out.Vote = &types.Vote{Choice: types.VoteReject}
			out.CanonPatch = nil
		}
	}
	e, rec := newTestEngine(t, 42, provider.WithTurnHook(hook))
	runPhases(t, e, 3)

	err := e.RunPhase(context.Background(), 4)
	require.ErrorIs(t, err, ErrRatificationFailed)

	var phase4Results []types.VoteResultData
	for _, ev := range rec.ofType(types.EventVoteResult) {
		data := ev.Data.(types.VoteResultData)
		if data.Phase == 4 {
			phase4Results = append(phase4Results, data)
		}
	}
	require.Len(t, phase4Results, 2, "one original attempt plus one retry")
	for _, res := range phase4Results {
		assert.Equal(t, types.ResultReject, res.Result)
	}
}

func TestRejectRoundLeavesCanonUntouched(t *testing.T) {
	hook := func(spec provider.TurnSpec, _ types.TeamID, out *types.TurnOutput) {
		if spec.TurnType == types.TurnVote && spec.Phase == 1 && spec.Round == 2 &&
			(spec.Role == types.RoleContrarian || spec.Role == types.RoleLorekeeper) {
			out.Vote = &types.Vote{Choice: types.VoteReject}
			out.CanonPatch = nil
		}
	}
	e, rec := newTestEngine(t, 42, provider.WithTurnHook(hook))
	require.NoError(t, e.RunPhase(context.Background(), 1))

	var sawReject bool
	for _, ev := range rec.ofType(types.EventVoteResult) {
		data := ev.Data.(types.VoteResultData)
		if data.Round == 2 {
			sawReject = true
			assert.Equal(t, types.ResultReject, data.Result)
		}
	}
	require.True(t, sawReject)

	for _, ev := range rec.ofType(types.EventCanonPatchApplied) {
		data := ev.Data.(types.CanonPatchAppliedData)
		assert.NotEqual(t, 2, data.Round, "a rejected round must not mutate canon")
	}
}
