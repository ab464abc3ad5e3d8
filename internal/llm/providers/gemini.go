package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ahrav/go-annotator/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
	"github.com/ahrav/go-annotator/internal/llm/transport"
)

// ProviderGemini is the canonical name of the Gemini adapter.
const ProviderGemini = "gemini"

// GeminiAdapter implements ProviderAdapter for the Gemini generateContent
// API with API key authentication.
type GeminiAdapter struct {
	config configuration.ProviderConfig
	apiKey string
}

// NewGeminiAdapter creates a Gemini adapter for one annotator's credential.
// If no endpoint is configured, it defaults to the public generative language API.
func NewGeminiAdapter(cfg configuration.ProviderConfig) (*GeminiAdapter, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = configuration.DefaultGeminiEndpoint
	}
	key, err := cfg.ResolveAPIKey()
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{config: cfg, apiKey: key}, nil
}

// Name returns the provider name.
func (a *GeminiAdapter) Name() string {
	return ProviderGemini
}

// Build constructs a generateContent request from the normalized request.
func (a *GeminiAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is empty")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(a.config.Endpoint, "/"), url.PathEscape(req.Model), url.QueryEscape(a.apiKey))

	generation := map[string]any{"maxOutputTokens": req.MaxTokens}
	if req.Temperature != nil {
		generation["temperature"] = *req.Temperature
	}
	body := map[string]any{
		"contents": []map[string]any{
			{
				"role":  "user",
				"parts": []map[string]any{{"text": req.Prompt}},
			},
		},
		"generationConfig": generation,
		"safetySettings":   safetySettings(),
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

// safetyCategories are the harm categories the vendor filters by default.
// Samples describe self-harm and abuse, so every filter is disabled and a
// refusal reaches the validator as empty text instead.
var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

func safetySettings() []map[string]string {
	out := make([]map[string]string, 0, len(safetyCategories))
	for _, c := range safetyCategories {
		out = append(out, map[string]string{"category": c, "threshold": "BLOCK_NONE"})
	}
	return out
}

// Parse extracts the generated text from a generateContent response.
// Non-200 responses become *llmerrors.ProviderError.
func (a *GeminiAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, parseGeminiError(httpResp.StatusCode, httpResp.Header, body)
	}

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		PromptFeedback struct {
			BlockReason string `json:"blockReason"`
		} `json:"promptFeedback"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", llmerrors.ErrInvalidResponse, err)
	}

	if resp.PromptFeedback.BlockReason != "" {
		return nil, &llmerrors.ProviderError{
			Provider:   ProviderGemini,
			StatusCode: httpResp.StatusCode,
			Message:    "prompt blocked: " + resp.PromptFeedback.BlockReason,
			Code:       resp.PromptFeedback.BlockReason,
			Type:       llmerrors.ErrorTypeInvalidRequest,
		}
	}

	var text strings.Builder
	var finishReason string
	if len(resp.Candidates) > 0 {
		for _, p := range resp.Candidates[0].Content.Parts {
			text.WriteString(p.Text)
		}
		finishReason = strings.ToUpper(resp.Candidates[0].FinishReason)
	}

	var requestIDs []string
	if reqID := httpResp.Header.Get("x-goog-request-id"); reqID != "" {
		requestIDs = append(requestIDs, reqID)
	} else if reqID := httpResp.Header.Get("x-request-id"); reqID != "" {
		requestIDs = append(requestIDs, reqID)
	}

	return &transport.Response{
		Text:         text.String(),
		FinishReason: finishReason,
		RequestIDs:   requestIDs,
		Headers:      httpResp.Header,
	}, nil
}

// parseGeminiError converts Gemini error responses to ProviderError.
func parseGeminiError(statusCode int, header http.Header, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &llmerrors.ProviderError{
			Provider:   ProviderGemini,
			StatusCode: statusCode,
			Message:    errResp.Error.Message,
			Code:       errResp.Error.Status,
			Type:       classifyErrorType(statusCode, errResp.Error.Status),
			RetryAfter: parseRetryAfter(header),
		}
	}

	return &llmerrors.ProviderError{
		Provider:   ProviderGemini,
		StatusCode: statusCode,
		Message:    string(body),
		Type:       classifyErrorType(statusCode, ""),
		RetryAfter: parseRetryAfter(header),
	}
}
