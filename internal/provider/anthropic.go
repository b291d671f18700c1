package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"worldbuild/internal/contracts"
	"worldbuild/internal/types"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// Anthropic is a message-history-resending backend: the handle carries the
// full transcript and every call replays it. Structured output is enforced
// by embedding the schema in the system prompt and parsing strictly.
type Anthropic struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// NewAnthropic builds the Anthropic backend.
func NewAnthropic(cfg Config) *Anthropic {
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	return &Anthropic{
		cfg:        cfg,
		baseURL:    anthropicBaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Anthropic) StartConversation(_ context.Context, team types.TeamID, matchSeed int64, ch types.Challenge, initialCanon types.Canon) (*Handle, error) {
	system := buildSystemPrompt(ch, initialCanon) +
		"\n\nAlways respond with a single JSON object conforming to this TurnOutput schema, with no surrounding prose:\n" +
		contracts.TurnOutputSchemaJSON()
	return &Handle{
		provider:  "anthropic",
		team:      team,
		seed:      matchSeed,
		challenge: ch,
		system:    system,
	}, nil
}

func (a *Anthropic) GenerateTurn(ctx context.Context, h *Handle, spec TurnSpec) (types.TurnOutput, *Handle, Usage, error) {
	history := append(append([]message{}, h.history...), message{Role: "user", Content: buildTurnPrompt(spec)})

	req := anthropicRequest{
		Model:       a.cfg.Model,
		System:      h.system,
		Messages:    history,
		MaxTokens:   a.cfg.MaxOutputTokens,
		Temperature: a.cfg.Temperature,
	}
	var resp anthropicResponse
	err := withRetry(ctx, a.cfg.MaxRetries, "anthropic generate_turn", func() error {
		return a.post(ctx, req, &resp)
	})
	if err != nil {
		return types.TurnOutput{}, h, Usage{}, err
	}

	text, err := anthropicText(resp)
	if err != nil {
		return types.TurnOutput{}, h, Usage{}, err
	}
	var out types.TurnOutput
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return types.TurnOutput{}, h, Usage{}, &Error{Kind: ErrSchemaViolation, Message: "anthropic output is not a TurnOutput", Err: err}
	}

	next := *h
	next.history = append(history, message{Role: "assistant", Content: text})
	next.turnCount++
	return out, &next, Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}, nil
}

func (a *Anthropic) GeneratePromptPack(ctx context.Context, matchSeed int64, team types.TeamID, canon types.Canon) (types.PromptPack, error) {
	maxTokens := a.cfg.MaxOutputTokens
	if maxTokens < 1200 {
		maxTokens = 1200
	}
	req := anthropicRequest{
		Model: a.cfg.Model,
		System: "Respond with a single JSON object conforming to this PromptPack schema, with no surrounding prose:\n" +
			contracts.PromptPackSchemaJSON(),
		Messages:    []message{{Role: "user", Content: buildPromptPackPrompt(canon)}},
		MaxTokens:   maxTokens,
		Temperature: a.cfg.Temperature,
	}
	var resp anthropicResponse
	err := withRetry(ctx, a.cfg.MaxRetries, "anthropic prompt_pack", func() error {
		return a.post(ctx, req, &resp)
	})
	if err != nil {
		return types.PromptPack{}, err
	}
	text, err := anthropicText(resp)
	if err != nil {
		return types.PromptPack{}, err
	}
	var pack types.PromptPack
	if err := json.Unmarshal([]byte(extractJSON(text)), &pack); err != nil {
		return types.PromptPack{}, &Error{Kind: ErrSchemaViolation, Message: "anthropic output is not a PromptPack", Err: err}
	}
	return pack, nil
}

func (a *Anthropic) post(ctx context.Context, body anthropicRequest, out *anthropicResponse) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: ErrTimeout, Message: "anthropic request timed out", Err: err}
		}
		return &Error{Kind: ErrUnavailable, Message: "anthropic request failed", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: ErrUnavailable, Message: "read anthropic response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: ErrRateLimited, Message: "anthropic rate limited"}
	case resp.StatusCode >= 500:
		return &Error{Kind: ErrUnavailable, Message: fmt.Sprintf("anthropic returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return &Error{Kind: ErrSchemaViolation, Message: fmt.Sprintf("anthropic returned %d: %s", resp.StatusCode, truncate(payload, 300))}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Kind: ErrSchemaViolation, Message: "decode anthropic response", Err: err}
	}
	return nil
}

func anthropicText(resp anthropicResponse) (string, error) {
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", &Error{Kind: ErrSchemaViolation, Message: "anthropic response carried no text block"}
}

// extractJSON trims prose fences around a JSON object, tolerating models that
// wrap output in markdown despite instructions.
func extractJSON(text string) string {
	start := -1
	depth := 0
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				return text[start : i+1]
			}
		}
	}
	return text
}
