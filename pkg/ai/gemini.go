package ai

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-1.5-flash-8b"
)

// GeminiGenerator calls generateContent on the Google AI Studio API. The key
// travels in the x-goog-api-key header so it never shows up in URLs or logs.
type GeminiGenerator struct {
	api     *jsonAPI
	baseURL string
	model   string
	system  string
}

func NewGeminiGenerator(apiKey, baseURL, model, systemPrompt string, timeout time.Duration) (*GeminiGenerator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	api := newJSONAPI("gemini", timeout, nestedErrorMessage)
	api.header.Set("x-goog-api-key", apiKey)
	return &GeminiGenerator{api: api, baseURL: baseURL, model: geminiModel(model), system: systemPrompt}, nil
}

// GenerateReply returns the concatenated parts of the first candidate.
func (g *GeminiGenerator) GenerateReply(ctx context.Context, prompt string) (string, error) {
	req := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:     0.4,
			TopK:            40,
			TopP:            0.95,
			MaxOutputTokens: 2048,
		},
	}
	if strings.TrimSpace(g.system) != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: g.system}}}
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, url.PathEscape(g.model))
	var resp generateResponse
	if err := g.api.post(ctx, endpoint, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", &GenerationError{Reason: ReasonEmpty}
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return nonEmptyReply(b.String())
}

func geminiModel(model string) string {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	if model == "" {
		return defaultGeminiModel
	}
	return model
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}
