package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaGenerator calls a local Ollama daemon on /api/chat with streaming off.
type OllamaGenerator struct {
	api     *jsonAPI
	baseURL string
	model   string
	system  string
}

func NewOllamaGenerator(baseURL, model, systemPrompt string, timeout time.Duration) *OllamaGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaGenerator{
		api:     newJSONAPI("ollama", timeout, ollamaErrorText),
		baseURL: baseURL,
		model:   strings.TrimSpace(model),
		system:  systemPrompt,
	}
}

func (g *OllamaGenerator) GenerateReply(ctx context.Context, prompt string) (string, error) {
	if g.model == "" {
		return "", &GenerationError{Reason: ReasonUnavailable, Err: errors.New("ollama generation model required")}
	}
	req := struct {
		Model    string         `json:"model"`
		Messages []chatTurn     `json:"messages"`
		Stream   bool           `json:"stream"`
		Options  map[string]any `json:"options,omitempty"`
	}{
		Model:    g.model,
		Messages: chatTurns(g.system, prompt),
		Options:  map[string]any{"temperature": 0.4, "top_k": 40, "top_p": 0.95},
	}
	var resp struct {
		Message chatTurn `json:"message"`
	}
	if err := g.api.post(ctx, g.baseURL+"/api/chat", req, &resp); err != nil {
		return "", err
	}
	return nonEmptyReply(resp.Message.Content)
}

func ollamaErrorText(body []byte) string {
	var v struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &v)
	return v.Error
}
