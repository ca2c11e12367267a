// Package httpsaver реализует клиентский транспорт сохранения котировки через HTTP API.
package httpsaver

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
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/savestate"
	"github.com/vladislavdragonenkov/quotesave/internal/version"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20

	headerIdempotencyKey = "Idempotency-Key"
	headerTraceID        = "X-Trace-Id"
)

var (
	// ErrSaveInProgress — сервер ещё обрабатывает попытку с тем же ключом.
	ErrSaveInProgress = errors.New("save with the same attempt id is still in progress")
	// ErrRateLimited — сервер ограничил частоту сохранений.
	ErrRateLimited = errors.New("save rate limited")
)

// Client отправляет попытки сохранения на POST /api/v1/quotes/:id/save.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Entry
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет http.Client. Транспорт всё равно оборачивается trace-заголовком.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New создаёт клиента для сервиса по адресу baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  log.WithField("component", "http-saver"),
	}
	for _, opt := range opts {
		opt(c)
	}
	next := c.http.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	wrapped := *c.http
	wrapped.Transport = traceRoundTripper{next: next}
	c.http = &wrapped
	return c
}

// Save отправляет попытку. Конфликт и несовпадение хеша возвращаются ответом без ошибки.
// Отклонённое тело запроса (400, 404, 422 без hash_mismatch) возвращается как savestate.ErrRequestInvalid.
// Ответ 5xx превращается в SaveResponse с reason=error.
func (c *Client) Save(ctx context.Context, req domain.SaveRequest) (domain.SaveResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.SaveResponse{}, fmt.Errorf("encode save request: %w", err)
	}

	endpoint := c.baseURL + "/api/v1/quotes/" + url.PathEscape(req.QuoteID) + "/save"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.SaveResponse{}, fmt.Errorf("build save request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(headerIdempotencyKey, req.AttemptID)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.SaveResponse{}, fmt.Errorf("send save request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return domain.SaveResponse{}, fmt.Errorf("read save response: %w", err)
	}

	var resp domain.SaveResponse
	decodeErr := json.Unmarshal(raw, &resp)

	logger := c.logger.WithFields(log.Fields{
		"attempt_id": req.AttemptID,
		"quote_id":   req.QuoteID,
		"status":     httpResp.StatusCode,
		"trace_id":   httpResp.Header.Get(headerTraceID),
	})

	switch status := httpResp.StatusCode; {
	case status == http.StatusOK:
		if decodeErr != nil {
			return domain.SaveResponse{}, fmt.Errorf("decode save response: %w", decodeErr)
		}
		return resp, nil
	case status == http.StatusConflict && resp.Reason == domain.SaveReasonConflict:
		return resp, nil
	case status == http.StatusConflict:
		return domain.SaveResponse{}, ErrSaveInProgress
	case status == http.StatusUnprocessableEntity && resp.Reason == domain.SaveReasonHashMismatch:
		return resp, nil
	case status == http.StatusTooManyRequests:
		return domain.SaveResponse{}, ErrRateLimited
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		logger.WithField("message", resp.Message).Warn("save request rejected")
		return domain.SaveResponse{}, fmt.Errorf("status %d: %w: %s", status, savestate.ErrRequestInvalid, resp.Message)
	default:
		logger.Warn("server failed to save quote")
		msg := resp.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return domain.SaveResponse{Success: false, Reason: domain.SaveReasonError, Message: msg}, nil
	}
}

// CreateRequest — тело POST /api/v1/quotes.
type CreateRequest struct {
	ID          string              `json:"id,omitempty"`
	AgentID     string              `json:"agentId"`
	ClientID    string              `json:"clientId"`
	Content     domain.QuoteContent `json:"content"`
	PricingHash string              `json:"pricingHash"`
}

type createdQuote struct {
	ID          string              `json:"id"`
	Version     int64               `json:"version"`
	Content     domain.QuoteContent `json:"content"`
	PricingHash string              `json:"pricingHash"`
	Message     string              `json:"message"`
}

// Create заводит котировку и возвращает черновик версии 1 для редактора.
func (c *Client) Create(ctx context.Context, req CreateRequest) (domain.QuoteDraft, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.QuoteDraft{}, fmt.Errorf("encode create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/quotes", bytes.NewReader(body))
	if err != nil {
		return domain.QuoteDraft{}, fmt.Errorf("build create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.QuoteDraft{}, fmt.Errorf("send create request: %w", err)
	}
	defer httpResp.Body.Close()

	var created createdQuote
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, maxBodyBytes)).Decode(&created); err != nil {
		return domain.QuoteDraft{}, fmt.Errorf("decode create response (status %d): %w", httpResp.StatusCode, err)
	}
	if httpResp.StatusCode != http.StatusCreated {
		return domain.QuoteDraft{}, fmt.Errorf("create quote: status %d: %s", httpResp.StatusCode, created.Message)
	}

	return domain.QuoteDraft{
		QuoteID:     created.ID,
		Version:     created.Version,
		Content:     created.Content,
		PricingHash: created.PricingHash,
	}, nil
}

// traceRoundTripper проставляет X-Trace-Id, если его нет, и User-Agent клиента.
type traceRoundTripper struct {
	next http.RoundTripper
}

func (rt traceRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if clone.Header.Get(headerTraceID) == "" {
		clone.Header.Set(headerTraceID, xid.New().String())
	}
	if clone.Header.Get("User-Agent") == "" {
		clone.Header.Set("User-Agent", version.UserAgent("quotesave-client"))
	}
	return rt.next.RoundTrip(clone)
}

var _ savestate.Saver = (*Client)(nil)
