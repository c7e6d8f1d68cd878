// Package stub is a fast, deterministic LLM client for local development.
// It answers with schema-valid German classification and extraction JSON so
// the full pipeline runs without a vendor key.
package stub

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

type Client struct{}

func New() *Client { return &Client{} }

// ChatJSON inspects the prompt to decide which stage is calling and returns
// a matching canned answer.
func (c *Client) ChatJSON(_ domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	// A hint of latency so concurrency issues surface in dev too.
	time.Sleep(20 * time.Millisecond)

	var payload map[string]any
	switch {
	case len(req.Images) > 0 || strings.Contains(req.User, "Gesamtforderung"):
		payload = map[string]any{
			"gesamtforderung": "1.234,56",
			"glaeubiger":      "Inkasso Muster GmbH",
			"schuldner":       "Max Mustermann",
			"confidence":      0.9,
		}
	default:
		payload = map[string]any{
			"intent":     "debt_statement",
			"confidence": 0.92,
		}
	}
	b, _ := json.Marshal(payload)
	return domain.ChatResponse{
		Content:   string(b),
		TokensIn:  len(req.System+req.User) / 4,
		TokensOut: len(b) / 4,
	}, nil
}
