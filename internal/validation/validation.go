// Package validation enforces the deliberation rules on provider output.
// The engine runs every turn through ValidateTurn before emitting it; a
// failing turn enters the repair loop with the structured error list.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"worldbuild/internal/canon"
	"worldbuild/internal/contracts"
	"worldbuild/internal/provider"
	"worldbuild/internal/types"
)

// Error kinds surfaced to the repair loop and to turn_validation_failed
// events. Patch kinds come from the canon store's rejection verbatim.
const (
	KindSchema              = "schema"
	KindRoleConsistency     = "role_consistency"
	KindNoPlusOne           = "no_plus_one"
	KindMissingObjection    = "missing_objection"
	KindMissingReferences   = "missing_references"
	KindProposerAlternation = "proposer_alternation"
	KindVoteMissingChoice   = "vote_missing_choice"
)

// Error is one structured validation failure.
type Error struct {
	Kind    string
	Message string
}

func (e Error) String() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Result is the validator verdict for one turn.
type Result struct {
	OK     bool
	Errors []Error
}

// Strings flattens the error list for event payloads and repair prompts.
func (r Result) Strings() []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.String()
	}
	return out
}

// Context carries everything beyond the output itself that the rules read.
type Context struct {
	Spec  provider.TurnSpec
	Store *canon.Store
	// LastProposer is the speaker of the phase's previous PROPOSAL, empty
	// for the first proposal of a phase.
	LastProposer types.Role
	// PriorTurnIDs are all turn ids emitted so far for this team, used to
	// verify that references point at real turns.
	PriorTurnIDs []string
}

// Trivial affirmations rejected in RESPONSE turns.
var trivialAffirmations = map[string]struct{}{
	"+1": {}, "agree": {}, "sounds good": {}, "yes": {}, "lgtm": {},
}

func isTrivialAffirmation(content string) bool {
	s := strings.ToLower(strings.TrimSpace(content))
	s = strings.TrimRight(s, ".!")
	s = strings.TrimSpace(strings.TrimPrefix(s, "i "))
	_, ok := trivialAffirmations[s]
	return ok
}

// ValidateTurn runs all active rules and returns either ok or a non-empty
// error list.
func ValidateTurn(out types.TurnOutput, vctx Context) Result {
	var errs []Error
	add := func(kind, format string, args ...any) {
		errs = append(errs, Error{Kind: kind, Message: fmt.Sprintf(format, args...)})
	}

	if res := contracts.ValidateTurnOutput(out); !res.OK {
		for _, msg := range res.Errors {
			add(KindSchema, "%s", msg)
		}
	}

	spec := vctx.Spec
	if out.SpeakerRole != spec.Role {
		add(KindRoleConsistency, "speaker_role %q does not match expected role %q", out.SpeakerRole, spec.Role)
	}
	if out.TurnType != spec.TurnType {
		add(KindRoleConsistency, "turn_type %q does not match expected type %q", out.TurnType, spec.TurnType)
	}

	switch spec.TurnType {
	case types.TurnProposal:
		if spec.Role != types.RoleArchitect && spec.Role != types.RoleLorekeeper {
			add(KindProposerAlternation, "role %q may not propose", spec.Role)
		}
		if vctx.LastProposer != "" && out.SpeakerRole == vctx.LastProposer {
			add(KindProposerAlternation, "proposer %q must alternate; %q proposed last", out.SpeakerRole, vctx.LastProposer)
		}
		if len(out.CanonPatch) == 0 {
			add(KindSchema, "a PROPOSAL must carry a non-empty canon_patch")
		}

	case types.TurnObjection:
		if out.SpeakerRole != types.RoleContrarian {
			add(KindRoleConsistency, "only the CONTRARIAN may object")
		}
		if len(out.Content) < 80 {
			add(KindMissingObjection, "objection content must name a specific concern (got %d chars, need 80)", len(out.Content))
		}

	case types.TurnResponse:
		if len(out.CanonPatch) == 0 {
			if isTrivialAffirmation(out.Content) {
				add(KindNoPlusOne, "pure agreement is forbidden; add, modify, or object")
			} else if len(out.Content) < 120 {
				add(KindNoPlusOne, "a RESPONSE without a patch needs substantive content (got %d chars, need 120)", len(out.Content))
			}
		}

	case types.TurnResolution:
		if out.SpeakerRole != types.RoleSynthesizer {
			add(KindRoleConsistency, "only the SYNTHESIZER may resolve")
		}
		if len(out.References) == 0 {
			add(KindMissingReferences, "a RESOLUTION must reference at least one prior turn")
		} else {
			mentioned := false
			for _, ref := range out.References {
				if !containsID(vctx.PriorTurnIDs, ref) {
					add(KindMissingReferences, "reference %q does not name a prior turn", ref)
				}
				if strings.Contains(out.Content, ref) {
					mentioned = true
				}
			}
			if !mentioned {
				add(KindMissingReferences, "resolution content must mention at least one reference id")
			}
		}

	case types.TurnVote:
		if out.Vote == nil {
			add(KindVoteMissingChoice, "a VOTE must carry vote.choice")
		} else if out.Vote.Choice == types.VoteAmend && strings.TrimSpace(out.Vote.AmendmentSummary) == "" {
			add(KindVoteMissingChoice, "an AMEND vote must carry a non-empty amendment_summary")
		}
	}

	if len(out.CanonPatch) > 0 && vctx.Store != nil {
		if err := vctx.Store.DryRun(spec.Phase, out.CanonPatch); err != nil {
			var rej *canon.Rejection
			if errors.As(err, &rej) {
				for _, msg := range rej.Errors {
					add(rej.Kind, "%s", msg)
				}
			} else {
				add(canon.RejectedSemantics, "%v", err)
			}
		}
	}

	return Result{OK: len(errs) == 0, Errors: errs}
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
