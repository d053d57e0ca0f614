package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxProviderErrorBytes = 64 << 10

// jsonAPI posts JSON to one provider and classifies every failure as a
// GenerationError. errorText extracts the provider's message from an error
// body.
type jsonAPI struct {
	name       string
	httpClient *http.Client
	header     http.Header
	errorText  func(body []byte) string
}

func newJSONAPI(name string, timeout time.Duration, errorText func([]byte) string) *jsonAPI {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &jsonAPI{
		name:       name,
		httpClient: &http.Client{Timeout: timeout},
		header:     http.Header{"Content-Type": []string{"application/json"}},
		errorText:  errorText,
	}
}

func (a *jsonAPI) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &GenerationError{Reason: ReasonRejected, Err: fmt.Errorf("%s encode: %w", a.name, err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return classify(ctx, 0, fmt.Errorf("%s request: %w", a.name, err))
	}
	for k, v := range a.header {
		req.Header[k] = v
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return classify(ctx, 0, fmt.Errorf("%s request: %w", a.name, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxProviderErrorBytes))
		msg := resp.Status
		if a.errorText != nil {
			if text := strings.TrimSpace(a.errorText(raw)); text != "" {
				msg = text
			}
		}
		return classify(ctx, resp.StatusCode, fmt.Errorf("%s api error: %s", a.name, msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classify(ctx, resp.StatusCode, fmt.Errorf("%s decode: %w", a.name, err))
	}
	return nil
}

// nestedErrorMessage reads {"error":{"message":...}} bodies used by Gemini
// and OpenAI-style APIs.
func nestedErrorMessage(body []byte) string {
	var v struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &v)
	return v.Error.Message
}

// chatTurn is the role/content message shape shared by Ollama and
// OpenAI-compatible chat endpoints.
type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func chatTurns(system, prompt string) []chatTurn {
	turns := make([]chatTurn, 0, 2)
	if strings.TrimSpace(system) != "" {
		turns = append(turns, chatTurn{Role: "system", Content: system})
	}
	return append(turns, chatTurn{Role: "user", Content: prompt})
}

func nonEmptyReply(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &GenerationError{Reason: ReasonEmpty}
	}
	return text, nil
}
