package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"worldbuild/internal/types"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini is a message-history-resending backend. The API is stateless, so
// the handle carries the system instruction and full turn history. Structured
// output uses JSON response mode with the schema restated in the instruction.
type Gemini struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// NewGemini builds the Gemini backend.
func NewGemini(cfg Config) *Gemini {
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	return &Gemini{
		cfg:        cfg,
		baseURL:    geminiBaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature      float64 `json:"temperature"`
		MaxOutputTokens  int     `json:"maxOutputTokens"`
		ResponseMimeType string  `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (g *Gemini) StartConversation(_ context.Context, team types.TeamID, matchSeed int64, ch types.Challenge, initialCanon types.Canon) (*Handle, error) {
	return &Handle{
		provider:  "gemini",
		team:      team,
		seed:      matchSeed,
		challenge: ch,
		system:    buildSystemPrompt(ch, initialCanon),
	}, nil
}

func (g *Gemini) GenerateTurn(ctx context.Context, h *Handle, spec TurnSpec) (types.TurnOutput, *Handle, Usage, error) {
	history := append(append([]message{}, h.history...), message{Role: "user", Content: buildTurnPrompt(spec)})

	var resp geminiResponse
	err := withRetry(ctx, g.cfg.MaxRetries, "gemini generate_turn", func() error {
		return g.post(ctx, h.system, history, &resp)
	})
	if err != nil {
		return types.TurnOutput{}, h, Usage{}, err
	}

	text, err := geminiText(resp)
	if err != nil {
		return types.TurnOutput{}, h, Usage{}, err
	}
	var out types.TurnOutput
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return types.TurnOutput{}, h, Usage{}, &Error{Kind: ErrSchemaViolation, Message: "gemini output is not a TurnOutput", Err: err}
	}

	next := *h
	next.history = append(history, message{Role: "model", Content: text})
	next.turnCount++
	usage := Usage{InputTokens: resp.UsageMetadata.PromptTokenCount, OutputTokens: resp.UsageMetadata.CandidatesTokenCount}
	return out, &next, usage, nil
}

func (g *Gemini) GeneratePromptPack(ctx context.Context, matchSeed int64, team types.TeamID, canon types.Canon) (types.PromptPack, error) {
	history := []message{{Role: "user", Content: buildPromptPackPrompt(canon)}}

	var resp geminiResponse
	err := withRetry(ctx, g.cfg.MaxRetries, "gemini prompt_pack", func() error {
		return g.post(ctx, "Respond with a single JSON object shaped as a PromptPack.", history, &resp)
	})
	if err != nil {
		return types.PromptPack{}, err
	}
	text, err := geminiText(resp)
	if err != nil {
		return types.PromptPack{}, err
	}
	var pack types.PromptPack
	if err := json.Unmarshal([]byte(extractJSON(text)), &pack); err != nil {
		return types.PromptPack{}, &Error{Kind: ErrSchemaViolation, Message: "gemini output is not a PromptPack", Err: err}
	}
	return pack, nil
}

func (g *Gemini) post(ctx context.Context, system string, history []message, out *geminiResponse) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	req := geminiRequest{
		Contents: make([]geminiContent, 0, len(history)),
	}
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	for _, msg := range history {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: msg.Content}}})
	}
	req.GenerationConfig.Temperature = g.cfg.Temperature
	req.GenerationConfig.MaxOutputTokens = g.cfg.MaxOutputTokens
	req.GenerationConfig.ResponseMimeType = "application/json"

	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.cfg.Model, g.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: ErrTimeout, Message: "gemini request timed out", Err: err}
		}
		return &Error{Kind: ErrUnavailable, Message: "gemini request failed", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: ErrUnavailable, Message: "read gemini response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: ErrRateLimited, Message: "gemini rate limited"}
	case resp.StatusCode >= 500:
		return &Error{Kind: ErrUnavailable, Message: fmt.Sprintf("gemini returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return &Error{Kind: ErrSchemaViolation, Message: fmt.Sprintf("gemini returned %d: %s", resp.StatusCode, truncate(payload, 300))}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Kind: ErrSchemaViolation, Message: "decode gemini response", Err: err}
	}
	return nil
}

func geminiText(resp geminiResponse) (string, error) {
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &Error{Kind: ErrSchemaViolation, Message: "gemini response carried no candidates"}
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}
