package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"worldbuild/internal/contracts"
	"worldbuild/internal/logging"
	"worldbuild/internal/types"
)

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAI is a response-chaining backend: the server keeps conversation state
// and each turn only sends the turn spec plus the previous response ID.
type OpenAI struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// NewOpenAI builds the OpenAI backend.
func NewOpenAI(cfg Config) *OpenAI {
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-mini"
	}
	return &OpenAI{
		cfg:        cfg,
		baseURL:    openAIBaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type openAIRequest struct {
	Model              string           `json:"model"`
	Input              any              `json:"input"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	Text               *openAIText      `json:"text,omitempty"`
	Temperature        *float64         `json:"temperature,omitempty"`
	MaxOutputTokens    int              `json:"max_output_tokens,omitempty"`
	Store              bool             `json:"store"`
	Metadata           map[string]any   `json:"metadata,omitempty"`
}

type openAIText struct {
	Format openAIFormat `json:"format"`
}

type openAIFormat struct {
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID     string `json:"id"`
	Output []struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) StartConversation(ctx context.Context, team types.TeamID, matchSeed int64, ch types.Challenge, initialCanon types.Canon) (*Handle, error) {
	req := openAIRequest{
		Model: o.cfg.Model,
		Input: buildSystemPrompt(ch, initialCanon),
		Store: true,
	}
	var resp openAIResponse
	err := withRetry(ctx, o.cfg.MaxRetries, "openai start_conversation", func() error {
		return o.post(ctx, req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &Handle{
		provider:   "openai",
		team:       team,
		seed:       matchSeed,
		challenge:  ch,
		responseID: resp.ID,
	}, nil
}

func (o *OpenAI) GenerateTurn(ctx context.Context, h *Handle, spec TurnSpec) (types.TurnOutput, *Handle, Usage, error) {
	temp := o.cfg.Temperature
	req := openAIRequest{
		Model:              o.cfg.Model,
		PreviousResponseID: h.responseID,
		Input:              []openAIMessage{{Role: "user", Content: buildTurnPrompt(spec)}},
		Text: &openAIText{Format: openAIFormat{
			Type:   "json_schema",
			Name:   "TurnOutput",
			Schema: json.RawMessage(contracts.TurnOutputSchemaJSON()),
			Strict: true,
		}},
		Temperature:     &temp,
		MaxOutputTokens: o.cfg.MaxOutputTokens,
		Store:           true,
	}

	var resp openAIResponse
	err := withRetry(ctx, o.cfg.MaxRetries, "openai generate_turn", func() error {
		return o.post(ctx, req, &resp)
	})
	if err != nil {
		return types.TurnOutput{}, h, Usage{}, err
	}

	text, err := responseText(resp)
	if err != nil {
		return types.TurnOutput{}, h, Usage{}, err
	}
	var out types.TurnOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return types.TurnOutput{}, h, Usage{}, &Error{Kind: ErrSchemaViolation, Message: "openai output is not a TurnOutput", Err: err}
	}

	next := *h
	next.responseID = resp.ID
	next.turnCount++
	return out, &next, Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}, nil
}

func (o *OpenAI) GeneratePromptPack(ctx context.Context, matchSeed int64, team types.TeamID, canon types.Canon) (types.PromptPack, error) {
	temp := o.cfg.Temperature
	maxTokens := o.cfg.MaxOutputTokens
	if maxTokens < 1200 {
		maxTokens = 1200
	}
	req := openAIRequest{
		Model: o.cfg.Model,
		Input: []openAIMessage{{Role: "user", Content: buildPromptPackPrompt(canon)}},
		Text: &openAIText{Format: openAIFormat{
			Type:   "json_schema",
			Name:   "PromptPack",
			Schema: json.RawMessage(contracts.PromptPackSchemaJSON()),
			Strict: true,
		}},
		Temperature:     &temp,
		MaxOutputTokens: maxTokens,
		Store:           true,
		Metadata: map[string]any{
			"match_seed": fmt.Sprint(matchSeed),
			"team_id":    string(team),
			"purpose":    "prompt_pack",
		},
	}

	var resp openAIResponse
	err := withRetry(ctx, o.cfg.MaxRetries, "openai prompt_pack", func() error {
		return o.post(ctx, req, &resp)
	})
	if err != nil {
		return types.PromptPack{}, err
	}
	text, err := responseText(resp)
	if err != nil {
		return types.PromptPack{}, err
	}
	var pack types.PromptPack
	if err := json.Unmarshal([]byte(text), &pack); err != nil {
		return types.PromptPack{}, &Error{Kind: ErrSchemaViolation, Message: "openai output is not a PromptPack", Err: err}
	}
	return pack, nil
}

func (o *OpenAI) post(ctx context.Context, body openAIRequest, out *openAIResponse) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/responses", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: ErrTimeout, Message: "openai request timed out", Err: err}
		}
		return &Error{Kind: ErrUnavailable, Message: "openai request failed", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: ErrUnavailable, Message: "read openai response", Err: err}
	}
	logging.Provider().Debugw("openai call", "status", resp.StatusCode, "elapsed", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: ErrRateLimited, Message: "openai rate limited"}
	case resp.StatusCode >= 500:
		return &Error{Kind: ErrUnavailable, Message: fmt.Sprintf("openai returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return &Error{Kind: ErrSchemaViolation, Message: fmt.Sprintf("openai returned %d: %s", resp.StatusCode, truncate(payload, 300))}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Kind: ErrSchemaViolation, Message: "decode openai response", Err: err}
	}
	return nil
}

func responseText(resp openAIResponse) (string, error) {
	if len(resp.Output) == 0 || len(resp.Output[0].Content) == 0 {
		return "", &Error{Kind: ErrSchemaViolation, Message: "openai response carried no output"}
	}
	return resp.Output[0].Content[0].Text, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
