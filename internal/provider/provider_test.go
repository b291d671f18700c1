package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldbuild/internal/canon"
	"worldbuild/internal/challenge"
	"worldbuild/internal/contracts"
	"worldbuild/internal/types"
)

func mockHandle(t *testing.T, m *Mock, team types.TeamID, seed int64) *Handle {
	t.Helper()
	ch, err := challenge.Generate(seed, 1)
	require.NoError(t, err)
	h, err := m.StartConversation(context.Background(), team, seed, ch, canon.Placeholder(team, ch))
	require.NoError(t, err)
	return h
}

func TestMockTurnsAreDeterministic(t *testing.T) {
	m := NewMock(Config{Provider: "mock"})
	spec := TurnSpec{
		Role:            types.RoleArchitect,
		TurnType:        types.TurnProposal,
		Phase:           1,
		Round:           1,
		AllowedPrefixes: canon.AllowedPrefixes(1),
	}

	h1 := mockHandle(t, m, types.TeamA, 42)
	out1, _, _, err := m.GenerateTurn(context.Background(), h1, spec)
	require.NoError(t, err)

	h2 := mockHandle(t, m, types.TeamA, 42)
	out2, _, _, err := m.GenerateTurn(context.Background(), h2, spec)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)

	h3 := mockHandle(t, m, types.TeamB, 42)
	out3, _, _, err := m.GenerateTurn(context.Background(), h3, spec)
	require.NoError(t, err)
	assert.NotEqual(t, out1.Content, out3.Content, "teams draw different fixtures")
}

func TestMockTurnsValidateAgainstContract(t *testing.T) {
	m := NewMock(Config{Provider: "mock"})
	h := mockHandle(t, m, types.TeamA, 7)

	for _, tc := range []TurnSpec{
		{Role: types.RoleArchitect, TurnType: types.TurnProposal, Phase: 1, Round: 1},
		{Role: types.RoleContrarian, TurnType: types.TurnObjection, Phase: 1, Round: 1, ExpectedRefs: []string{"A-1-1-1"}},
		{Role: types.RoleLorekeeper, TurnType: types.TurnResponse, Phase: 1, Round: 1, ExpectedRefs: []string{"A-1-1-1", "A-1-1-2"}},
		{Role: types.RoleSynthesizer, TurnType: types.TurnResolution, Phase: 2, Round: 2, ExpectedRefs: []string{"A-2-2-1"}},
		{Role: types.RoleSynthesizer, TurnType: types.TurnVote, Phase: 1, Round: 3},
	} {
		out, next, usage, err := m.GenerateTurn(context.Background(), h, tc)
		require.NoError(t, err)
		h = next
		res := contracts.ValidateTurnOutput(out)
		assert.True(t, res.OK, "%s/%s: %v", tc.TurnType, tc.Role, res.Errors)
		assert.Greater(t, usage.OutputTokens, 0)
	}
}

func TestMockResponseLongEnoughToPassNoPlusOneRule(t *testing.T) {
	m := NewMock(Config{Provider: "mock"})
	h := mockHandle(t, m, types.TeamB, 99)
	for round := 1; round <= 4; round++ {
		out, _, _, err := m.GenerateTurn(context.Background(), h, TurnSpec{
			Role: types.RoleArchitect, TurnType: types.TurnResponse, Phase: 2, Round: round,
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(out.Content), 120)
	}
}

func TestMockObjectionLongEnough(t *testing.T) {
	m := NewMock(Config{Provider: "mock"})
	h := mockHandle(t, m, types.TeamA, 3)
	out, _, _, err := m.GenerateTurn(context.Background(), h, TurnSpec{
		Role: types.RoleContrarian, TurnType: types.TurnObjection, Phase: 3, Round: 1,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(out.Content), 80)
}

func TestMockResolutionMentionsReference(t *testing.T) {
	m := NewMock(Config{Provider: "mock"})
	h := mockHandle(t, m, types.TeamA, 11)
	out, _, _, err := m.GenerateTurn(context.Background(), h, TurnSpec{
		Role: types.RoleSynthesizer, TurnType: types.TurnResolution, Phase: 1, Round: 2,
		ExpectedRefs: []string{"A-1-2-1", "A-1-2-2"},
	})
	require.NoError(t, err)
	assert.Contains(t, out.Content, "A-1-2-1")
	assert.NotEmpty(t, out.CanonPatch)
	assert.Equal(t, []string{"A-1-2-1", "A-1-2-2"}, out.References)
}

func TestMockAmendVotesShareSummary(t *testing.T) {
	m := NewMock(Config{Provider: "mock"})
	h := mockHandle(t, m, types.TeamA, 5)
	pending := []types.PatchOp{{Op: "replace", Path: "/landmarks/0/name", Value: "x"}}

	var summaries []string
	for _, role := range []types.Role{types.RoleLorekeeper, types.RoleContrarian} {
		out, _, _, err := m.GenerateTurn(context.Background(), h, TurnSpec{
			Role: role, TurnType: types.TurnVote, Phase: 2, Round: 2, PendingPatch: pending,
		})
		require.NoError(t, err)
		require.NotNil(t, out.Vote)
		assert.Equal(t, types.VoteAmend, out.Vote.Choice)
		summaries = append(summaries, out.Vote.AmendmentSummary)
		assert.NotEmpty(t, out.CanonPatch)
	}
	assert.Equal(t, summaries[0], summaries[1])
}

func TestMockTurnHookCanInjectFailures(t *testing.T) {
	m := NewMock(Config{Provider: "mock"}, WithTurnHook(func(spec TurnSpec, _ types.TeamID, out *types.TurnOutput) {
		if spec.TurnType == types.TurnProposal && spec.Attempt == 0 {
			out.SpeakerRole = ""
		}
	}))
	h := mockHandle(t, m, types.TeamA, 42)

	out, _, _, err := m.GenerateTurn(context.Background(), h, TurnSpec{Role: types.RoleArchitect, TurnType: types.TurnProposal, Phase: 1, Round: 1})
	require.NoError(t, err)
	assert.False(t, contracts.ValidateTurnOutput(out).OK)

	out, _, _, err = m.GenerateTurn(context.Background(), h, TurnSpec{Role: types.RoleArchitect, TurnType: types.TurnProposal, Phase: 1, Round: 1, Attempt: 1})
	require.NoError(t, err)
	assert.True(t, contracts.ValidateTurnOutput(out).OK)
}

func TestMockPromptPackValidates(t *testing.T) {
	m := NewMock(Config{Provider: "mock"})
	ch, err := challenge.Generate(42, 1)
	require.NoError(t, err)
	doc := canon.Placeholder(types.TeamA, ch)

	pack, err := m.GeneratePromptPack(context.Background(), 42, types.TeamA, doc)
	require.NoError(t, err)
	res := contracts.ValidatePromptPack(pack)
	assert.True(t, res.OK, "errors: %v", res.Errors)
	assert.Len(t, pack.LandmarkTriptych, 3)

	again, err := m.GeneratePromptPack(context.Background(), 42, types.TeamA, doc)
	require.NoError(t, err)
	assert.Equal(t, pack, again)
}

func TestFactorySelectsBackends(t *testing.T) {
	c, err := New(Config{Provider: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &Mock{}, c)

	_, err = New(Config{Provider: "openai"})
	assert.Error(t, err, "missing API key must fail")

	c, err = New(Config{Provider: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, c)

	_, err = New(Config{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestOpenAIRetriesRateLimitThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp_1","output":[{"content":[{"text":"{\"speaker_role\":\"ARCHITECT\",\"turn_type\":\"PROPOSAL\",\"content\":\"ok\",\"canon_patch\":[{\"op\":\"replace\",\"path\":\"/world_name\",\"value\":\"X\"}]}"}]}],"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	o := NewOpenAI(Config{Provider: "openai", APIKey: "sk-test", Timeout: 5 * time.Second, MaxRetries: 2})
	o.baseURL = srv.URL

	h := &Handle{provider: "openai", team: types.TeamA, responseID: "resp_0"}
	out, next, usage, err := o.GenerateTurn(context.Background(), h, TurnSpec{Role: types.RoleArchitect, TurnType: types.TurnProposal, Phase: 1, Round: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, types.RoleArchitect, out.SpeakerRole)
	assert.Equal(t, "resp_1", next.responseID)
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 5}, usage)
}

func TestExtractJSONTrimsProse(t *testing.T) {
	text := "Here you go:\n```json\n{\"a\": {\"b\": 1}}\n```"
	assert.Equal(t, `{"a": {"b": 1}}`, extractJSON(text))
	assert.Equal(t, `{"a":1}`, extractJSON(`{"a":1}`))
}
