package ai

import (
	"context"
	"errors"
	"strings"
	"time"
)

// OpenAICompatGenerator calls a /chat/completions endpoint such as vLLM,
// LiteLLM, LocalAI or OpenRouter. baseURL includes the /v1 prefix.
type OpenAICompatGenerator struct {
	api     *jsonAPI
	baseURL string
	model   string
	system  string
}

// NewOpenAICompatGenerator builds the generator. apiKey may be empty for
// local models.
func NewOpenAICompatGenerator(baseURL, apiKey, model, systemPrompt string, timeout time.Duration) *OpenAICompatGenerator {
	api := newJSONAPI("openai-compat", timeout, nestedErrorMessage)
	if key := strings.TrimSpace(apiKey); key != "" {
		api.header.Set("Authorization", "Bearer "+key)
	}
	return &OpenAICompatGenerator{
		api:     api,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   strings.TrimSpace(model),
		system:  systemPrompt,
	}
}

func (g *OpenAICompatGenerator) GenerateReply(ctx context.Context, prompt string) (string, error) {
	if g.model == "" {
		return "", &GenerationError{Reason: ReasonUnavailable, Err: errors.New("openai-compat generation model required")}
	}
	req := struct {
		Model       string     `json:"model"`
		Messages    []chatTurn `json:"messages"`
		Temperature float64    `json:"temperature"`
	}{Model: g.model, Messages: chatTurns(g.system, prompt), Temperature: 0.4}
	var resp struct {
		Choices []struct {
			Message chatTurn `json:"message"`
		} `json:"choices"`
	}
	if err := g.api.post(ctx, g.baseURL+"/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &GenerationError{Reason: ReasonEmpty}
	}
	return nonEmptyReply(resp.Choices[0].Message.Content)
}
