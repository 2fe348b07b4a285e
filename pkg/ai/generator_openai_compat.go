package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatGenerator calls any OpenAI-compatible /v1/chat/completions endpoint.
// Works with vLLM, LiteLLM, LocalAI, Deepseek, OpenRouter, self-hosted models, etc.
type OpenAICompatGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatGenerator builds an OpenAI-compatible TextGenerator.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatGenerator(baseURL, apiKey, model string) *OpenAICompatGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &OpenAICompatGenerator{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// GenerateText implements TextGenerator using the OpenAI chat completions API.
func (g *OpenAICompatGenerator) GenerateText(ctx context.Context, in Request) (Response, error) {
	if g.model == "" {
		return Response{}, fatalError("openai-compat", errors.New("openai-compat generation model required"))
	}
	messages := make([]oaiMessage, 0, 2)
	if strings.TrimSpace(in.System) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: in.System})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: in.User})

	reqBody := oaiChatRequest{
		Model:     g.model,
		Messages:  messages,
		MaxTokens: in.MaxTokens,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return Response{}, fatalError("openai-compat", err)
	}

	url := g.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fatalError("openai-compat", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Response{}, transportError("openai-compat", fmt.Errorf("openai-compat request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return Response{}, statusError("openai-compat", resp.StatusCode, fmt.Errorf("openai-compat api error: %s", errResp.Error.Message))
		}
		return Response{}, statusError("openai-compat", resp.StatusCode, fmt.Errorf("openai-compat api error: %s", resp.Status))
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Response{}, transportError("openai-compat", fmt.Errorf("openai-compat decode: %w", err))
	}
	if len(chatResp.Choices) == 0 {
		return Response{}, transientError("openai-compat", errors.New("empty response from openai-compat api"))
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return Response{}, transientError("openai-compat", errors.New("empty response from openai-compat api"))
	}
	return Response{
		Text:         text,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
	}, nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
