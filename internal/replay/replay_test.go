package replay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldbuild/internal/challenge"
	"worldbuild/internal/engine"
	"worldbuild/internal/provider"
	"worldbuild/internal/types"
)

func marshal(data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	return json.RawMessage(raw), err
}

// runMatch drives one team through a full mock deliberation and returns the
// engine plus its event trail rendered as stored MatchEvents.
func runMatch(t *testing.T, seed int64) (*engine.Engine, []types.MatchEvent) {
	t.Helper()

	var events []types.MatchEvent
	var seq int64
	team := types.TeamA
	sink := func(_ context.Context, eventType string, _ *types.TeamID, data any) error {
		seq++
		raw, err := marshal(data)
		if err != nil {
			return err
		}
		events = append(events, types.MatchEvent{
			Seq: seq, MatchID: "m1", TeamID: &team, Type: eventType, Data: raw,
		})
		return nil
	}

	mock := provider.NewMock(provider.Config{Provider: "mock"})
	e := engine.New(team, mock, sink, engine.DefaultConfig())

	ch, err := challenge.Generate(seed, 1)
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background(), seed, ch))
	for phase := 1; phase <= 5; phase++ {
		require.NoError(t, e.RunPhase(context.Background(), phase))
	}
	return e, events
}

func TestDerivedCanonMatchesLiveEngine(t *testing.T) {
	e, events := runMatch(t, 42)

	derived, err := DeriveCanon(events, types.TeamA)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(e.Canon(), derived))
}

func TestDeriveArtifactsIncludesHashAndPack(t *testing.T) {
	e, events := runMatch(t, 42)

	artifacts, err := DeriveArtifacts(events, types.TeamA)
	require.NoError(t, err)

	liveHash, err := e.CanonHash()
	require.NoError(t, err)
	assert.Equal(t, liveHash, artifacts.CanonHash)
	require.NotNil(t, artifacts.PromptPack)
	assert.NotEmpty(t, artifacts.PromptPack.HeroImage.Prompt)
	assert.Len(t, artifacts.PromptPack.LandmarkTriptych, 3)
}

func TestDeriveCanonIgnoresOtherTeam(t *testing.T) {
	_, events := runMatch(t, 42)

	_, err := DeriveCanon(events, types.TeamB)
	assert.Error(t, err, "no canon_initialized for the other team")
}

func TestDerivePromptPackNilBeforePhaseFive(t *testing.T) {
	_, events := runMatch(t, 42)

	// Truncate the log before the prompt pack event.
	var truncated []types.MatchEvent
	for _, ev := range events {
		if ev.Type == types.EventPromptPackGenerated {
			break
		}
		truncated = append(truncated, ev)
	}

	pack, err := DerivePromptPack(truncated, types.TeamA)
	require.NoError(t, err)
	assert.Nil(t, pack)
}
