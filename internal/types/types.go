// Package types provides shared type definitions used across worldbuild packages.
// This package exists to break import cycles between the engine, store, and
// server layers. Types here are foundational data structures with no complex
// dependencies.
package types

import "encoding/json"

// TeamID identifies one of the two deliberating teams.
type TeamID string

const (
	TeamA TeamID = "A"
	TeamB TeamID = "B"
)

// Role is a deliberation agent role.
type Role string

const (
	RoleArchitect   Role = "ARCHITECT"
	RoleLorekeeper  Role = "LOREKEEPER"
	RoleContrarian  Role = "CONTRARIAN"
	RoleSynthesizer Role = "SYNTHESIZER"
)

// AllRoles lists the four roles in fixed voting order.
var AllRoles = []Role{RoleArchitect, RoleLorekeeper, RoleContrarian, RoleSynthesizer}

// TurnType classifies a single agent contribution within a round.
type TurnType string

const (
	TurnProposal   TurnType = "PROPOSAL"
	TurnObjection  TurnType = "OBJECTION"
	TurnResponse   TurnType = "RESPONSE"
	TurnResolution TurnType = "RESOLUTION"
	TurnVote       TurnType = "VOTE"
)

// VoteChoice is a ballot option in a round vote. ABSTAIN is never produced by
// an agent; the engine records it for participants whose earlier turn in the
// round was abandoned.
type VoteChoice string

const (
	VoteAccept  VoteChoice = "ACCEPT"
	VoteAmend   VoteChoice = "AMEND"
	VoteReject  VoteChoice = "REJECT"
	VoteAbstain VoteChoice = "ABSTAIN"
)

// VoteResult is the aggregated outcome of a round's vote.
type VoteResult string

const (
	ResultAccept   VoteResult = "ACCEPT"
	ResultAmend    VoteResult = "AMEND"
	ResultReject   VoteResult = "REJECT"
	ResultDeadlock VoteResult = "DEADLOCK"
)

// PatchOp is one RFC-6902 operation. Add, replace and test carry Value; move
// and copy carry From. Paths are JSON Pointers.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Vote is the ballot portion of a VOTE turn.
type Vote struct {
	Choice           VoteChoice `json:"choice"`
	AmendmentSummary string     `json:"amendment_summary,omitempty"`
}

// TurnOutput is the structured output of one agent turn.
type TurnOutput struct {
	SpeakerRole Role      `json:"speaker_role"`
	TurnType    TurnType  `json:"turn_type"`
	Content     string    `json:"content"`
	CanonPatch  []PatchOp `json:"canon_patch,omitempty"`
	References  []string  `json:"references,omitempty"`
	Vote        *Vote     `json:"vote,omitempty"`
}

// Challenge holds the seed-derived creative constraints for a match.
type Challenge struct {
	Seed            int64  `json:"seed"`
	Tier            int    `json:"tier"`
	BiomeSetting    string `json:"biome_setting"`
	Inhabitants     string `json:"inhabitants"`
	TwistConstraint string `json:"twist_constraint"`
}

// Canon is the structured fictional-world document. It is kept as a generic
// JSON document because it is mutated by patch; the final shape is enforced
// by the contracts schema, not the type system.
type Canon = map[string]any

// ImagePrompt is a single generated image prompt within a PromptPack.
type ImagePrompt struct {
	Title          string `json:"title"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
}

// PromptPack is the downstream image-prompt artifact derived from a final canon.
type PromptPack struct {
	HeroImage          ImagePrompt   `json:"hero_image"`
	LandmarkTriptych   []ImagePrompt `json:"landmark_triptych"`
	InhabitantPortrait ImagePrompt   `json:"inhabitant_portrait"`
	TensionSnapshot    ImagePrompt   `json:"tension_snapshot"`
}

// MatchStatus is the lifecycle state of a match record.
type MatchStatus string

const (
	StatusRunning   MatchStatus = "running"
	StatusCompleted MatchStatus = "completed"
	StatusFailed    MatchStatus = "failed"
)

// Event type constants. Payload shapes are the data structs below.
const (
	EventMatchCreated         = "match_created"
	EventChallengeRevealed    = "challenge_revealed"
	EventPhaseStarted         = "phase_started"
	EventCanonInitialized     = "canon_initialized"
	EventTurnEmitted          = "turn_emitted"
	EventTurnValidationFailed = "turn_validation_failed"
	EventVoteResult           = "vote_result"
	EventCanonPatchApplied    = "canon_patch_applied"
	EventPromptPackGenerated  = "prompt_pack_generated"
	EventMatchCompleted       = "match_completed"
	EventMatchFailed          = "match_failed"
)

// MatchEvent is one immutable entry in a match's append-only log. Seq is
// unique and strictly increasing per match with no gaps; TeamID is nil for
// match-scoped events.
type MatchEvent struct {
	ID      string          `json:"id"`
	Seq     int64           `json:"seq"`
	TS      string          `json:"ts"`
	MatchID string          `json:"match_id"`
	TeamID  *TeamID         `json:"team_id"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// Typed event payloads.

type MatchCreatedData struct {
	Seed int64 `json:"seed"`
	Tier int   `json:"tier"`
}

type PhaseStartedData struct {
	Phase      int `json:"phase"`
	RoundCount int `json:"round_count"`
}

type CanonInitializedData struct {
	Canon     Canon  `json:"canon"`
	CanonHash string `json:"canon_hash"`
}

type TurnEmittedData struct {
	Phase  int        `json:"phase"`
	Round  int        `json:"round"`
	TurnID string     `json:"turn_id"`
	Output TurnOutput `json:"output"`
}

type TurnValidationFailedData struct {
	Phase  int      `json:"phase"`
	Round  int      `json:"round"`
	TurnID string   `json:"turn_id"`
	Errors []string `json:"errors"`
}

type VoteResultData struct {
	Phase  int                `json:"phase"`
	Round  int                `json:"round"`
	Result VoteResult         `json:"result"`
	Tally  map[VoteChoice]int `json:"tally"`
}

type CanonPatchAppliedData struct {
	Phase           int       `json:"phase"`
	Round           int       `json:"round"`
	TurnID          string    `json:"turn_id"`
	Patch           []PatchOp `json:"patch"`
	CanonBeforeHash string    `json:"canon_before_hash"`
	CanonAfterHash  string    `json:"canon_after_hash"`
}

type PromptPackGeneratedData struct {
	PromptPack PromptPack `json:"prompt_pack"`
}

type MatchCompletedData struct {
	CanonHashA string `json:"canon_hash_a"`
	CanonHashB string `json:"canon_hash_b"`
}

type MatchFailedData struct {
	Error string `json:"error"`
}

// MatchRecord is the persisted per-match row.
type MatchRecord struct {
	MatchID     string      `json:"match_id"`
	Status      MatchStatus `json:"status"`
	CreatedAt   string      `json:"created_at"`
	Seed        int64       `json:"seed"`
	Tier        int         `json:"tier"`
	Challenge   *Challenge  `json:"challenge,omitempty"`
	CompletedAt string      `json:"completed_at,omitempty"`
	CanonHashA  string      `json:"canon_hash_a,omitempty"`
	CanonHashB  string      `json:"canon_hash_b,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// JudgingScores are the five judged criteria, each in [1..5].
type JudgingScores struct {
	InternalCoherence int `json:"internal_coherence"`
	CreativeAmbition  int `json:"creative_ambition"`
	VisualFidelity    int `json:"visual_fidelity"`
	ArtifactQuality   int `json:"artifact_quality"`
	ProcessQuality    int `json:"process_quality"`
}

// JudgingScoreRecord is one persisted score submission. WeightedTotal is
// computed on read (25/20/20/20/15) and never stored.
type JudgingScoreRecord struct {
	ID            int64         `json:"id"`
	MatchID       string        `json:"match_id"`
	CreatedAt     string        `json:"created_at"`
	Judge         string        `json:"judge"`
	BlindID       string        `json:"blind_id"`
	Scores        JudgingScores `json:"scores"`
	Notes         string        `json:"notes,omitempty"`
	WeightedTotal float64       `json:"weighted_total"`
}

// BlindEntry is one anonymized side of a blind judging package.
type BlindEntry struct {
	BlindID    string      `json:"blind_id"`
	Canon      Canon       `json:"canon"`
	PromptPack *PromptPack `json:"prompt_pack,omitempty"`
}
