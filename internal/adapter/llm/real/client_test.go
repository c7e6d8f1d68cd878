package real

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/config"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

func newTestClient(url string) *Client {
	return New(config.Config{
		LLMBaseURL: url,
		LLMAPIKey:  "test-key",
		LLMTimeout: 5 * time.Second,
	})
}

func chatOK(content string, in, out int) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		"usage":   map[string]any{"prompt_tokens": in, "completion_tokens": out},
	})
	return string(b)
}

func TestChatJSONSuccess(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, chatOK(`{"intent":"debt_statement"}`, 120, 15))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).ChatJSON(context.Background(), domain.ChatRequest{
		Model:  "openai/gpt-4o-mini",
		System: "Du bist ein Klassifizierer.",
		User:   "Betreff: Forderungsaufstellung",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"intent":"debt_statement"}`, resp.Content)
	assert.Equal(t, 120, resp.TokensIn)
	assert.Equal(t, 15, resp.TokensOut)

	var body map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "json_object", body["response_format"].(map[string]any)["type"])
}

func TestChatJSONRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, chatOK(`{}`, 1, 1))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).ChatJSON(context.Background(), domain.ChatRequest{Model: "m", User: "u"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatJSONBadRequestIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"context too long"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).ChatJSON(context.Background(), domain.ChatRequest{Model: "m", User: "u"})
	assert.ErrorIs(t, err, domain.ErrUpstreamBadInput)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not retry")
}

func TestChatJSONMissingKey(t *testing.T) {
	c := New(config.Config{LLMBaseURL: "http://localhost:0", LLMTimeout: time.Second})
	_, err := c.ChatJSON(context.Background(), domain.ChatRequest{Model: "m", User: "u"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestVisionPartsEncodeAsDataURL(t *testing.T) {
	body := buildBody(domain.ChatRequest{
		Model:  "m",
		System: "s",
		User:   "extract",
		Images: []domain.ChatImage{{MediaType: "image/jpeg", Base64: "QUJD"}},
	})

	require.Len(t, body.Messages, 2)
	parts, ok := body.Messages[1].Content.([]contentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "extract", parts[0].Text)
	assert.Equal(t, "data:image/jpeg;base64,QUJD", parts[1].ImageURL.URL)
}
