package canon

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldbuild/internal/types"
)

func TestCanonicalJSONIsKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": "ÿ", "x": []any{1, 2}}}
	b := map[string]any{"nested": map[string]any{"x": []any{1, 2}, "y": "ÿ"}, "a": 1, "b": 2}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCanonicalJSONNormalizesUnicodeNFC(t *testing.T) {
	// "é" as a single codepoint vs "e" + combining acute.
	composed := map[string]any{"k": "caf\u00e9"}
	decomposed := map[string]any{"k": "cafe\u0301"}

	ha, err := Hash(composed)
	require.NoError(t, err)
	hb, err := Hash(decomposed)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCanonicalJSONNumberForms(t *testing.T) {
	raw, err := CanonicalJSON(map[string]any{"n": 3.0, "f": 0.5})
	require.NoError(t, err)
	assert.Equal(t, `{"f":0.5,"n":3}`, string(raw))
}

func TestApplyPatchBasicOps(t *testing.T) {
	doc := types.Canon{
		"world_name": "Azure Unnamed",
		"landmarks":  []any{"a", "b"},
	}

	out, err := applyPatch(doc, []types.PatchOp{
		{Op: "replace", Path: "/world_name", Value: "Bellhaven"},
		{Op: "add", Path: "/landmarks/-", Value: "c"},
		{Op: "add", Path: "/landmarks/0", Value: "z"},
		{Op: "remove", Path: "/landmarks/1"},
	})
	require.NoError(t, err)

	want := types.Canon{
		"world_name": "Bellhaven",
		"landmarks":  []any{"z", "b", "c"},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyPatchMoveCopyTest(t *testing.T) {
	doc := types.Canon{
		"tension": map[string]any{"conflict": "smugglers", "stakes": "silence"},
		"notes":   []any{},
	}

	out, err := applyPatch(doc, []types.PatchOp{
		{Op: "test", Path: "/tension/conflict", Value: "smugglers"},
		{Op: "copy", From: "/tension/conflict", Path: "/notes/-"},
		{Op: "move", From: "/tension/stakes", Path: "/tension/cost"},
	})
	require.NoError(t, err)

	tension := out["tension"].(map[string]any)
	assert.Equal(t, "silence", tension["cost"])
	assert.NotContains(t, tension, "stakes")
	assert.Equal(t, []any{"smugglers"}, out["notes"])
}

func TestApplyPatchIsAtomic(t *testing.T) {
	doc := types.Canon{"world_name": "Azure Unnamed"}

	_, err := applyPatch(doc, []types.PatchOp{
		{Op: "replace", Path: "/world_name", Value: "Bellhaven"},
		{Op: "replace", Path: "/missing", Value: "x"},
	})
	require.Error(t, err)
	assert.Equal(t, "Azure Unnamed", doc["world_name"], "failed patch must not mutate the input")
}

func TestApplyPatchRejectsOutOfRangeIndex(t *testing.T) {
	doc := types.Canon{"landmarks": []any{"a"}}

	_, err := applyPatch(doc, []types.PatchOp{{Op: "add", Path: "/landmarks/5", Value: "x"}})
	assert.Error(t, err)

	_, err = applyPatch(doc, []types.PatchOp{{Op: "remove", Path: "/landmarks/-"}})
	assert.Error(t, err, "'-' is append-only syntax")
}

func TestPointerEscapes(t *testing.T) {
	doc := types.Canon{"a/b": "x", "c~d": "y"}

	got, err := getValue(map[string]any(doc), "/a~1b")
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	got, err = getValue(map[string]any(doc), "/c~0d")
	require.NoError(t, err)
	assert.Equal(t, "y", got)
}

func TestStorePhaseGate(t *testing.T) {
	ch := types.Challenge{Seed: 42, Tier: 1, Inhabitants: "amphibious traders", TwistConstraint: "timekeeping is illegal"}
	s, err := NewStore(Placeholder(types.TeamA, ch))
	require.NoError(t, err)

	// Phase 1 may touch world identity fields.
	_, _, err = s.Apply(1, []types.PatchOp{{Op: "replace", Path: "/world_name", Value: "Bellhaven"}})
	require.NoError(t, err)

	// Phase 1 may not touch landmarks.
	err = s.DryRun(1, []types.PatchOp{{Op: "replace", Path: "/landmarks/0/name", Value: "The Drowned Stair"}})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectedPhase, rej.Kind)

	// Phase 2 may.
	_, _, err = s.Apply(2, []types.PatchOp{{Op: "replace", Path: "/landmarks/0/name", Value: "The Drowned Stair"}})
	require.NoError(t, err)

	assert.Equal(t, "Bellhaven", s.Current()["world_name"])
}

func TestStoreApplyReturnsHashesAndIsAtomic(t *testing.T) {
	ch := types.Challenge{Seed: 1, Tier: 1, Inhabitants: "x", TwistConstraint: "y"}
	s, err := NewStore(Placeholder(types.TeamB, ch))
	require.NoError(t, err)

	before, err := s.Hash()
	require.NoError(t, err)

	b, a, err := s.Apply(3, []types.PatchOp{{Op: "replace", Path: "/tension/conflict", Value: "clock smugglers"}})
	require.NoError(t, err)
	assert.Equal(t, before, b)
	assert.NotEqual(t, b, a)

	cur, err := s.Hash()
	require.NoError(t, err)
	assert.Equal(t, a, cur)

	// A rejected patch leaves the hash untouched.
	_, _, err = s.Apply(3, []types.PatchOp{
		{Op: "replace", Path: "/tension/stakes", Value: "the bells fall silent"},
		{Op: "replace", Path: "/tension/missing_field/nested", Value: "x"},
	})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectedSemantics, rej.Kind)

	after, err := s.Hash()
	require.NoError(t, err)
	assert.Equal(t, a, after)
}

func TestStorePhase4RequiresValidFinalCanon(t *testing.T) {
	ch := types.Challenge{Seed: 7, Tier: 2, Inhabitants: "x", TwistConstraint: "y"}
	s, err := NewStore(Placeholder(types.TeamA, ch))
	require.NoError(t, err)

	// Removing a required section must be refused in phase 4.
	err = s.DryRun(4, []types.PatchOp{{Op: "remove", Path: "/hero_image_description"}})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, CanonSchemaInvalid, rej.Kind)

	// A full-document touch-up that keeps the shape valid is fine.
	_, _, err = s.Apply(4, []types.PatchOp{
		{Op: "replace", Path: "/hero_image_description", Value: "a drowned plaza at low tide"},
	})
	assert.NoError(t, err)
}

func TestPlaceholderValidatesAndDiffersPerTeam(t *testing.T) {
	ch := types.Challenge{Seed: 9, Tier: 3, Inhabitants: "glass nomads", TwistConstraint: "sound is currency"}
	a := Placeholder(types.TeamA, ch)
	b := Placeholder(types.TeamB, ch)

	assert.Equal(t, "Azure Unnamed", a["world_name"])
	assert.Equal(t, "Cinder Unnamed", b["world_name"])
	assert.Contains(t, a["governing_logic"], "sound is currency")

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}
