package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultEndpoint      = "https://generativelanguage.googleapis.com"
	DefaultFallbackModel = "gemini-1.0-pro"
)

// errModelNotFound 表示接口对该模型返回 404
var errModelNotFound = errors.New("model not found")

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
}

type prompt struct {
	template string
	config   generationConfig
}

var prompts = map[Kind]prompt{
	KindCorrection: {
		template: "Correct all spelling and grammatical errors in the following text, but preserve the meaning and style completely. Return only the corrected text without explanations or comments:\n\n%s",
		config:   generationConfig{Temperature: 0.1, MaxOutputTokens: 200, TopP: 0.95, TopK: 40},
	},
	KindCompletion: {
		template: "Complete the following text naturally, continuing the writing style. Provide a completion of about 15 words maximum. Return only the completion without the original text:\n\n%s",
		config:   generationConfig{Temperature: 0.7, MaxOutputTokens: 100, TopP: 0.8, TopK: 40},
	},
	KindSummary: {
		template: "Summarize the following text concisely while preserving the main points and key details. The summary should be about 20%% of the original length:\n\n%s",
		config:   generationConfig{Temperature: 0.3, MaxOutputTokens: 300, TopP: 0.95, TopK: 40},
	},
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// GeminiClient 调用 generateContent 接口；主模型 404 时改用 fallback 模型重试一次
type GeminiClient struct {
	http     *http.Client
	endpoint string
	model    string
	fallback string
	apiKey   string
}

func NewGeminiClient(httpClient *http.Client, endpoint, model, apiKey string) *GeminiClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &GeminiClient{http: httpClient, endpoint: strings.TrimRight(endpoint, "/"), model: model, apiKey: apiKey}
}

// WithFallbackModel 设置主模型不存在时使用的模型，空串或与主模型相同表示不回退
func (c *GeminiClient) WithFallbackModel(model string) *GeminiClient {
	if model == c.model {
		model = ""
	}
	c.fallback = model
	return c
}

func (c *GeminiClient) Generate(ctx context.Context, kind Kind, text string) (string, error) {
	p, ok := prompts[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", ErrSuggestionUnavailable, kind)
	}
	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Parts: []part{{Text: fmt.Sprintf(p.template, text)}}}},
		GenerationConfig: p.config,
	})
	if err != nil {
		return "", err
	}

	out, err := c.generate(ctx, c.model, body)
	if errors.Is(err, errModelNotFound) && c.fallback != "" {
		return c.generate(ctx, c.fallback, body)
	}
	return out, err
}

func (c *GeminiClient) generate(ctx context.Context, model string, body []byte) (string, error) {
	u := fmt.Sprintf("%s/v1/models/%s:generateContent?key=%s", c.endpoint, url.PathEscape(model), url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%w: model %s status %d: %s", ErrSuggestionUnavailable, model, resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode == http.StatusNotFound {
			err = fmt.Errorf("%w: %w", errModelNotFound, err)
		}
		return "", err
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrSuggestionUnavailable, err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: unexpected response structure", ErrSuggestionUnavailable)
	}
	return strings.TrimSpace(out.Candidates[0].Content.Parts[0].Text), nil
}
