// Package messaging delivers text to users over the Telegram bot API. The
// platform's explicit retry-after signal on 429 responses is surfaced as a
// typed error so the resilience layer can honor it before its own backoff.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"worklog-engine/internal/ratelimit"
	"worklog-engine/internal/resilience"
)

// Client sends messages through the bot API, paced by a shared token bucket.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *ratelimit.TokenBucket
	log     *zap.Logger
}

// NewClient builds a messaging client. limiter may be nil (tests).
func NewClient(baseURL, token string, limiter *ratelimit.TokenBucket, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
		limiter: limiter,
		log:     log,
	}
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Send delivers one message. Rate-limit responses return a typed error with
// the platform's retry-after; network failures are transient.
func (c *Client) Send(ctx context.Context, userID int64, text string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "tg:send"); err != nil {
			return resilience.Mark(resilience.KindTransient, fmt.Errorf("wait for send slot: %w", err))
		}
	}
	payload := map[string]any{
		"chat_id":    userID,
		"text":       text,
		"parse_mode": "HTML",
	}
	return c.call(ctx, "sendMessage", payload)
}

// SendTyping fires the typing indicator. Best effort: callers check the
// breaker before calling and swallow the returned error; a failed indicator
// never counts against the messaging circuit.
func (c *Client) SendTyping(ctx context.Context, userID int64) error {
	payload := map[string]any{
		"chat_id": userID,
		"action":  "typing",
	}
	return c.call(ctx, "sendChatAction", payload)
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.Mark(resilience.KindTransient, fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resilience.Mark(resilience.KindTransient, fmt.Errorf("read %s response: %w", method, err))
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return resilience.Mark(resilience.KindBadResponse, fmt.Errorf("decode %s response: %w", method, err))
	}
	if parsed.OK {
		return nil
	}

	switch parsed.ErrorCode {
	case http.StatusTooManyRequests:
		after := time.Duration(parsed.Parameters.RetryAfter) * time.Second
		if after <= 0 {
			after = 5 * time.Second
		}
		c.log.Warn("messaging platform rate limit",
			zap.String("method", method),
			zap.Duration("retry_after", after))
		return &resilience.RateLimitedError{
			RetryAfter: after,
			Err:        fmt.Errorf("%s: %s", method, parsed.Description),
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return resilience.Markf(resilience.KindUnauthorized, "%s: %s", method, parsed.Description)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return resilience.Markf(resilience.KindTransient, "%s: %s", method, parsed.Description)
	default:
		return resilience.Markf(resilience.KindBadResponse, "%s: %d %s", method, parsed.ErrorCode, parsed.Description)
	}
}
