package chat

import "testing"

func TestExtractPrompt(t *testing.T) {
	cases := []struct {
		body   string
		prompt string
		ok     bool
	}{
		{"@ai explain this", "explain this", true},
		{"@AI explain", "explain", true},
		{"@Ai: what is a goroutine", "what is a goroutine", true},
		{"@ai, summarize", "summarize", true},
		{"hey @ai why", "hey why", true},
		{"hey\t@ai\twhy", "hey\twhy", true},
		{"please help @ai", "please help", true},
		{"@ai", "", false},
		{"  @ai  ", "", false},
		{"@ai:", "", false},
		{"hello", "", false},
		{"email@ai.dev ping", "", false},
		{"@aid is not it", "", false},
		{"@ai-bot nope", "", false},
		{"x@ai y", "", false},
		{"@aix @ai real one", "@aix real one", true},
		{"", "", false},
	}
	for _, tc := range cases {
		prompt, ok := ExtractPrompt(tc.body)
		if ok != tc.ok || prompt != tc.prompt {
			t.Fatalf("ExtractPrompt(%q) = %q, %v; want %q, %v", tc.body, prompt, ok, tc.prompt, tc.ok)
		}
	}
}
