package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mail-dispatch-go/internal/config"
)

// OpenRouterClient implements Classifier against the OpenRouter
// chat-completions API.
type OpenRouterClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenRouterClient creates a new OpenRouter classifier client
func NewOpenRouterClient(cfg *config.ClassifierConfig) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify labels one message via a chat-completion call.
func (c *OpenRouterClient) Classify(ctx context.Context, input Input) (Result, error) {
	reqBody := map[string]interface{}{
		"messages": []map[string]interface{}{
			{
				"role":    "user",
				"content": c.buildPrompt(input),
			},
		},
	}
	if c.model != "" {
		reqBody["model"] = c.model
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, string(body))
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return Result{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return Result{}, fmt.Errorf("classifier returned no choices")
	}

	var result Result
	cleaned := c.cleanJSONResponse(chat.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return Result{}, fmt.Errorf("failed to parse classifier verdict %q: %w", cleaned, err)
	}

	result.Label = NormalizeLabel(result.Label)
	return result, nil
}

// buildPrompt builds the classification prompt
func (c *OpenRouterClient) buildPrompt(input Input) string {
	var b strings.Builder
	b.WriteString("Classify the intent of the following email into exactly one of these labels: ")
	b.WriteString(strings.Join(KnownIntents(), ", "))
	b.WriteString(".\nRespond with only a JSON object: ")
	b.WriteString(`{"label": "...", "confidence": 0.0, "reasoning": "..."}`)
	b.WriteString("\n\nFrom: ")
	b.WriteString(input.Sender)
	b.WriteString("\nSubject: ")
	b.WriteString(input.Subject)
	b.WriteString("\nBody:\n")
	b.WriteString(input.Content)
	return b.String()
}

// cleanJSONResponse strips markdown fences and surrounding prose so the
// embedded JSON object can be parsed.
func (c *OpenRouterClient) cleanJSONResponse(s string) string {
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}
