// Package docstore is the document-store (DOC) client. All writes go through
// the outbox processor and carry an idempotency key header, so replays after
// a crash or retry are absorbed server side.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// Client implements domain.DocStore over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, fmt.Errorf("doc store timeout: %w", domain.ErrUpstreamTimeout)
		}
		return nil, fmt.Errorf("doc store unreachable: %w: %v", domain.ErrConnection, err)
	}
	return resp, nil
}

func classify(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status 429: %w", domain.ErrUpstreamRateLimit)
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrConnection)
	case resp.StatusCode >= 400:
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, string(raw), domain.ErrUpstreamBadInput)
	default:
		return nil
	}
}

// UpsertDebt writes one debt record keyed by ticket.
func (c *Client) UpsertDebt(ctx domain.Context, rec domain.DebtRecord, idempotencyKey string) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=doc.upsert marshal: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, "/api/debts/"+rec.TicketID, body, idempotencyKey)
	if err != nil {
		return fmt.Errorf("op=doc.upsert ticket=%s: %w", rec.TicketID, err)
	}
	if cerr := classify(resp); cerr != nil {
		return fmt.Errorf("op=doc.upsert ticket=%s: %w", rec.TicketID, cerr)
	}
	return nil
}

func (c *Client) GetByTicket(ctx domain.Context, ticketID string) (*domain.DebtRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/debts/"+ticketID, nil, "")
	if err != nil {
		return nil, fmt.Errorf("op=doc.get ticket=%s: %w", ticketID, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, nil
	}
	if cerr := classify(resp); cerr != nil {
		return nil, fmt.Errorf("op=doc.get ticket=%s: %w", ticketID, cerr)
	}
	return decodeRecord(resp)
}

func (c *Client) FindByClientName(ctx domain.Context, clientName string) (*domain.DebtRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/debts?client_name="+url.QueryEscape(clientName), nil, "")
	if err != nil {
		return nil, fmt.Errorf("op=doc.find_client: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, nil
	}
	if cerr := classify(resp); cerr != nil {
		return nil, fmt.Errorf("op=doc.find_client: %w", cerr)
	}
	return decodeRecord(resp)
}

func (c *Client) Ping(ctx domain.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil, "")
	if err != nil {
		return fmt.Errorf("op=doc.ping: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("op=doc.ping status=%d: %w", resp.StatusCode, domain.ErrConnection)
	}
	return nil
}

func decodeRecord(resp *http.Response) (*domain.DebtRecord, error) {
	defer func() { _ = resp.Body.Close() }()
	var rec domain.DebtRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode debt record: %w: %v", domain.ErrSchemaInvalid, err)
	}
	return &rec, nil
}
