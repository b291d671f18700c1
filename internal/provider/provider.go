// Package provider adapts LLM backends to the deliberation engine. Every
// backend produces schema-constrained TurnOutput JSON; the engine never sees
// raw model text. Conversation state is carried in an opaque Handle so
// chaining backends (server-side state) and resending backends (local
// history) look identical to callers.
package provider

import (
	"context"
	"fmt"
	"time"

	"worldbuild/internal/types"
)

// Error kinds in the adapter taxonomy. All are retriable at the adapter
// layer; after the retry budget they propagate to the engine as a turn
// failure.
type ErrorKind string

const (
	ErrTimeout         ErrorKind = "provider_timeout"
	ErrRateLimited     ErrorKind = "provider_rate_limited"
	ErrSchemaViolation ErrorKind = "provider_schema_violation"
	ErrUnavailable     ErrorKind = "provider_unavailable"
)

// Error wraps a backend failure with its taxonomy kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Config selects and tunes a backend.
type Config struct {
	Provider        string
	Model           string
	Temperature     float64
	MaxOutputTokens int
	APIKey          string
	Timeout         time.Duration
	MaxRetries      int
}

func (c Config) withDefaults() Config {
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = 900
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return c
}

// Handle is opaque per-team conversation state. Chaining backends keep a
// server-side response ID; resending backends keep the message history.
// Handles are immutable: GenerateTurn returns the successor.
type Handle struct {
	provider   string
	team       types.TeamID
	seed       int64
	challenge  types.Challenge
	responseID string
	system     string
	history    []message
	turnCount  int
}

// Team reports which team's deliberation this handle belongs to.
func (h *Handle) Team() types.TeamID { return h.team }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnSpec tells the backend exactly what turn to produce. The repair fields
// are set only on re-invocation after a validation failure.
type TurnSpec struct {
	Role            types.Role
	TurnType        types.TurnType
	Phase           int
	Round           int
	AllowedPrefixes []string
	ExpectedRefs    []string
	PendingPatch    []types.PatchOp
	Canon           types.Canon

	// GapHint carries the prior round's rejection context into the next
	// proposal.
	GapHint string
	// Tiebreak marks the second, binding RESOLUTION after a deadlock.
	Tiebreak bool

	PriorOutput  *types.TurnOutput
	RepairErrors []string
	Attempt      int
}

// Usage is the token accounting for one call. Zero for backends that do not
// report it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Client is the adapter surface the engine programs against.
type Client interface {
	// StartConversation opens a per-team conversation seeded with the
	// challenge and the placeholder canon.
	StartConversation(ctx context.Context, team types.TeamID, matchSeed int64, ch types.Challenge, initialCanon types.Canon) (*Handle, error)

	// GenerateTurn produces one structured TurnOutput. The returned handle
	// supersedes the input handle for subsequent calls.
	GenerateTurn(ctx context.Context, h *Handle, spec TurnSpec) (types.TurnOutput, *Handle, Usage, error)

	// GeneratePromptPack converts a final canon into image prompts. It is a
	// fresh, transcript-free call by design.
	GeneratePromptPack(ctx context.Context, matchSeed int64, team types.TeamID, canon types.Canon) (types.PromptPack, error)
}
