// Package real implements domain.LLMClient against an OpenAI-compatible
// chat completions endpoint (OpenRouter by default). Vendor failures are
// classified into the domain error taxonomy so the pipeline's budget and
// retry logic can react without knowing HTTP.
package real

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/config"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// Client talks to the chat completions endpoint with bounded retries.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

func New(cfg config.Config) *Client {
	return &Client{
		baseURL: cfg.LLMBaseURL,
		apiKey:  cfg.LLMAPIKey,
		hc:      &http.Client{Timeout: cfg.LLMTimeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequestBody struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponseBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ChatJSON performs one JSON-mode completion. Transient vendor failures are
// retried briefly here; the durable retry lives in the queue dispatcher.
func (c *Client) ChatJSON(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	if c.apiKey == "" {
		return domain.ChatResponse{}, fmt.Errorf("op=llm.chat: LLM_API_KEY missing: %w", domain.ErrInvalidArgument)
	}

	body, err := json.Marshal(buildBody(req))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=llm.chat marshal: %w", err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = 30 * time.Second

	var out domain.ChatResponse
	operation := func() error {
		resp, err := c.doOnce(ctx, body)
		if err != nil {
			if domain.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = resp
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(expo, ctx)); err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=llm.chat model=%s: %w", req.Model, err)
	}
	return out, nil
}

func buildBody(req domain.ChatRequest) chatRequestBody {
	var userContent any = req.User
	if len(req.Images) > 0 {
		parts := []contentPart{{Type: "text", Text: req.User}}
		for _, img := range req.Images {
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: "data:" + img.MediaType + ";base64," + img.Base64},
			})
		}
		userContent = parts
	}
	messages := []chatMessage{}
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userContent})
	return chatRequestBody{
		Model:          req.Model,
		Messages:       messages,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		ResponseFormat: &respFormat{Type: "json_object"},
	}
}

func (c *Client) doOnce(ctx context.Context, body []byte) (domain.ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return domain.ChatResponse{}, classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("read response: %w: %v", domain.ErrConnection, err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.ChatResponse{}, classifyStatus(resp.StatusCode, raw)
	}

	var parsed chatResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.ChatResponse{}, fmt.Errorf("decode response: %w: %v", domain.ErrSchemaInvalid, err)
	}
	if parsed.Error != nil {
		return domain.ChatResponse{}, fmt.Errorf("vendor error: %s: %w", parsed.Error.Message, domain.ErrUpstreamBadInput)
	}
	if len(parsed.Choices) == 0 {
		return domain.ChatResponse{}, fmt.Errorf("empty choices: %w", domain.ErrSchemaInvalid)
	}
	return domain.ChatResponse{
		Content:   parsed.Choices[0].Message.Content,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
	}, nil
}

func classifyTransport(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("vendor timeout: %w", domain.ErrUpstreamTimeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("vendor timeout: %w", domain.ErrUpstreamTimeout)
	}
	return fmt.Errorf("vendor unreachable: %w: %v", domain.ErrConnection, err)
}

func classifyStatus(code int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 300 {
		snippet = snippet[:300]
	}
	slog.Debug("llm vendor non-200", slog.Int("status", code), slog.String("body", snippet))
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("status 429: %w", domain.ErrUpstreamRateLimit)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return fmt.Errorf("status %d: %w", code, domain.ErrUpstreamTimeout)
	case code >= 500:
		return fmt.Errorf("status %d: %w", code, domain.ErrConnection)
	case code >= 400:
		return fmt.Errorf("status %d: %s: %w", code, snippet, domain.ErrUpstreamBadInput)
	default:
		return fmt.Errorf("status %d: %w", code, domain.ErrInternal)
	}
}

// Ping verifies the endpoint is reachable, for the readiness probe.
func (c *Client) Ping(ctx domain.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=llm.ping: %w", domain.ErrConnection)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("op=llm.ping status=%d: %w", resp.StatusCode, domain.ErrConnection)
	}
	return nil
}
