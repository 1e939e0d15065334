// Package namer drafts dash-case drone names from the first prompt using an
// LLM. Drafting is best-effort; every failure path leaves the drone with
// its default name.
package namer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nerfZael/dronehub/pkg/names"
)

const systemPrompt = "You name development containers. Reply with a single short dash-case name " +
	"(lowercase letters, digits, dashes, at most 48 characters) describing the task. " +
	"Reply with the name only, no punctuation or explanation."

// Completer produces one completion for a system+user prompt pair.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Namer turns prompts into unique drone names.
type Namer struct {
	llm Completer
	log *slog.Logger
}

// New picks Anthropic when its key is set, then OpenAI. Without a key it
// returns nil and drafting is disabled.
func New(anthropicKey, openaiKey string, log *slog.Logger) *Namer {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case anthropicKey != "":
		return &Namer{llm: NewAnthropicClient(anthropicKey, ""), log: log}
	case openaiKey != "":
		return &Namer{llm: NewOpenAIClient(openaiKey, ""), log: log}
	}
	return nil
}

// Draft asks the LLM for a name and resolves conflicts with numeric
// suffixes -2 through -6. Returns "" when drafting is disabled, the
// response is unusable, or every suffix is taken.
func (n *Namer) Draft(ctx context.Context, prompt string, taken func(string) bool) string {
	if n == nil {
		return ""
	}
	raw, err := n.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		n.log.Warn("name draft failed", "err", err)
		return ""
	}
	if line, _, found := strings.Cut(raw, "\n"); found {
		raw = line
	}
	name := names.Dashify(raw, names.MaxDraftLen)
	if !names.IsDashCase(name) {
		return ""
	}
	if !taken(name) {
		return name
	}
	for i := 2; i <= 6; i++ {
		candidate := names.WithSuffix(name, i)
		if !taken(candidate) {
			return candidate
		}
	}
	return ""
}

// AnthropicClient implements Completer using the Anthropic Messages API.
type AnthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewAnthropicClient creates a client for the Anthropic API.
// Model defaults to "claude-sonnet-4-20250514" if empty.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.anthropic.com",
		client:  http.DefaultClient,
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, system, user string) (string, error) {
	body := map[string]any{
		"model":      c.model,
		"max_tokens": 256,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": user},
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}

	for _, c := range result.Content {
		if c.Type == "text" {
			return c.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}

// OpenAIClient implements Completer using the OpenAI Chat Completions API.
type OpenAIClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAIClient creates a client for the OpenAI API.
// Model defaults to "gpt-4o" if empty.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com",
		client:  http.DefaultClient,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	body := map[string]any{
		"model":      c.model,
		"max_tokens": 256,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}
