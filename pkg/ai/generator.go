package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultSystemPrompt steers replies toward the coding-project context the
// chat lives in.
const DefaultSystemPrompt = `You are the assistant inside a collaborative coding project chat.
Answer the question addressed to you clearly and concisely, using Markdown.
When asked to build or scaffold a project, start with a file/folder tree,
then give the contents of each file in fenced code blocks, then the commands
needed to install and run it.`

// Generator produces a reply for a prompt. All providers (Gemini, Ollama,
// OpenAI-compatible) implement it.
type Generator interface {
	GenerateReply(ctx context.Context, prompt string) (string, error)
}

// GenerationError is returned by every provider. Reason is safe to show to
// chat participants; Err carries the provider detail for logs.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return "generation failed: " + e.Reason
	}
	return fmt.Sprintf("generation failed: %s: %v", e.Reason, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

const (
	ReasonTimeout     = "the AI did not answer in time"
	ReasonUnavailable = "the AI service is unavailable"
	ReasonRejected    = "the AI service rejected the request"
	ReasonEmpty       = "the AI returned an empty reply"
)

// AsGenerationError normalizes any error into a GenerationError.
func AsGenerationError(err error) *GenerationError {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &GenerationError{Reason: ReasonTimeout, Err: err}
	}
	return &GenerationError{Reason: ReasonUnavailable, Err: err}
}

// classify wraps transport and HTTP failures with a user-safe reason.
func classify(ctx context.Context, status int, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return &GenerationError{Reason: ReasonTimeout, Err: err}
	}
	if status >= 400 && status < 500 && status != 429 {
		return &GenerationError{Reason: ReasonRejected, Err: err}
	}
	return &GenerationError{Reason: ReasonUnavailable, Err: err}
}

// Config selects and configures a provider.
type Config struct {
	Provider     string
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	HTTPTimeout  time.Duration
}

const (
	ProviderGemini       = "gemini"
	ProviderOpenAICompat = "openai-compat"
	ProviderOllama       = "ollama"
)

// NewGenerator builds the provider named in cfg.
func NewGenerator(cfg Config) (Generator, error) {
	system := cfg.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemPrompt
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderGemini, "":
		gen, err := NewGeminiGenerator(cfg.APIKey, cfg.BaseURL, cfg.Model, system, cfg.HTTPTimeout)
		if err != nil {
			return nil, err
		}
		return gen, nil
	case ProviderOpenAICompat:
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("openai-compat base url required")
		}
		return NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model, system, cfg.HTTPTimeout), nil
	case ProviderOllama:
		return NewOllamaGenerator(cfg.BaseURL, cfg.Model, system, cfg.HTTPTimeout), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) GenerateReply(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
