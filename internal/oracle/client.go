// Package oracle talks to the external reasoning service over a
// chat-completions style JSON API. Responses are best-effort JSON: a payload
// that fails to parse falls back to a deterministic default instead of being
// retried, since re-asking rarely fixes a malformed response.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"worklog-engine/internal/models"
	"worklog-engine/internal/resilience"
)

// Client issues reasoning and generation requests.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	log     *zap.Logger
}

// NewClient builds an oracle client. The HTTP client carries no timeout of
// its own; the resilience layer bounds each attempt.
func NewClient(baseURL, apiKey, model string, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{},
		log:     log,
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete performs one chat-completions round trip and returns the raw
// assistant content. Transport and status errors are tagged for the retry
// policy; the caller decides what a bad payload falls back to.
func (c *Client) complete(ctx context.Context, system, user string, temperature float64, maxTokens int, jsonMode bool) (string, error) {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if jsonMode {
		reqBody.ResponseFormat = &respFormat{Type: "json_object"}
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", resilience.Mark(resilience.KindTransient, fmt.Errorf("oracle request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resilience.Mark(resilience.KindTransient, fmt.Errorf("read oracle response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &resilience.RateLimitedError{
			RetryAfter: retryAfter(resp.Header),
			Err:        fmt.Errorf("oracle status %d", resp.StatusCode),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", resilience.Markf(resilience.KindUnauthorized, "oracle status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return "", resilience.Markf(resilience.KindTransient, "oracle status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", resilience.Markf(resilience.KindBadResponse, "oracle status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", resilience.Mark(resilience.KindBadResponse, fmt.Errorf("decode oracle envelope: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", resilience.Markf(resilience.KindBadResponse, "oracle returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}

// Classify labels one piece of text. A malformed payload falls back to a
// mid-confidence general classification.
func (c *Client) Classify(ctx context.Context, text string) (models.Classification, error) {
	system := "You classify short work-log updates. Respond with valid JSON: " +
		`{"category": "...", "relevant": true/false, "confidence": 0.0-1.0, "reason": "..."}`
	content, err := c.complete(ctx, system, text, 0.2, 300, true)
	if err != nil {
		return models.Classification{}, err
	}

	var out models.Classification
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		c.log.Warn("classification payload unparseable, using default", zap.Error(err))
		return models.Classification{Category: "general", Relevant: true, Confidence: 0.5}, nil
	}
	return out, nil
}

type summaryPayload struct {
	Themes       []string `json:"themes"`
	Achievements []string `json:"achievements"`
	Learnings    []string `json:"learnings"`
	Reflection   string   `json:"reflection"`
}

// SummarizeDay condenses one day's entries into a reflection.
func (c *Client) SummarizeDay(ctx context.Context, userName string, date time.Time, entries []models.Entry) (models.Summary, error) {
	system := "You are a thoughtful productivity coach summarizing one day of work logs. " +
		"Respond with valid JSON: " +
		`{"themes": [...], "achievements": [...], "learnings": [...], "reflection": "2-3 sentences"}`

	var b strings.Builder
	fmt.Fprintf(&b, "User: %s\nDate: %s\nEntries:\n", userName, date.Format("2006-01-02"))
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] %s\n", e.RecordedAt.Format("15:04"), e.Content)
	}

	content, err := c.complete(ctx, system, b.String(), 0.6, 800, true)
	if err != nil {
		return models.Summary{}, err
	}

	sum := models.Summary{
		Kind:         models.SummaryDaily,
		EntriesCount: len(entries),
	}
	var payload summaryPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		c.log.Warn("daily summary payload unparseable, using deterministic fallback", zap.Error(err))
		sum.Reflection = fmt.Sprintf("Logged %d entries today. Keep the streak going.", len(entries))
		return sum, nil
	}
	sum.Themes = payload.Themes
	sum.Achievements = payload.Achievements
	sum.Learnings = payload.Learnings
	sum.Reflection = payload.Reflection
	return sum, nil
}

// SummarizeWeek condenses the week's daily summaries.
func (c *Client) SummarizeWeek(ctx context.Context, userName string, dailies []models.Summary) (models.Summary, error) {
	system := "You summarize a week of work from daily summaries. Respond with valid JSON: " +
		`{"themes": [...], "achievements": [...], "learnings": [...], "reflection": "3-4 sentences"}`

	var b strings.Builder
	fmt.Fprintf(&b, "User: %s\nDaily summaries:\n", userName)
	total := 0
	for _, d := range dailies {
		total += d.EntriesCount
		fmt.Fprintf(&b, "- %s: %s (themes: %s)\n",
			d.PeriodStart.Format("Mon Jan 2"), d.Reflection, strings.Join(d.Themes, ", "))
	}

	content, err := c.complete(ctx, system, b.String(), 0.6, 1000, true)
	if err != nil {
		return models.Summary{}, err
	}

	sum := models.Summary{
		Kind:         models.SummaryWeekly,
		EntriesCount: total,
	}
	var payload summaryPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		c.log.Warn("weekly summary payload unparseable, using deterministic fallback", zap.Error(err))
		sum.Reflection = fmt.Sprintf("A week with %d logged entries across %d active days.", total, len(dailies))
		return sum, nil
	}
	sum.Themes = payload.Themes
	sum.Achievements = payload.Achievements
	sum.Learnings = payload.Learnings
	sum.Reflection = payload.Reflection
	return sum, nil
}

type decisionPayload struct {
	Reasoning string `json:"reasoning"`
	Decisions struct {
		ShouldNudge     bool   `json:"should_nudge"`
		ShouldEncourage bool   `json:"should_encourage"`
		NudgeType       string `json:"nudge_type"`
		CustomMessage   string `json:"custom_message"`
	} `json:"decisions"`
	PriorityAction string  `json:"priority_action"`
	Confidence     float64 `json:"confidence"`
}

// noActionDecision is the deterministic fallback when the oracle's payload
// cannot be parsed: confidence zero, no action.
func noActionDecision() models.Decision {
	return models.Decision{
		NudgeType:      "none",
		PriorityAction: "monitor",
		Confidence:     0,
	}
}

// Decide asks the autonomous oracle what, if anything, to do for a user.
func (c *Client) Decide(ctx context.Context, uc models.UserContext) (models.Decision, error) {
	system := "You are an autonomous agent for a progress-tracking assistant. " +
		"Analyze the user's activity pattern and decide whether to act. Respond with valid JSON: " +
		`{"reasoning": "...", "decisions": {"should_nudge": bool, "should_encourage": bool, ` +
		`"nudge_type": "gentle|moderate|urgent|none", "custom_message": "optional"}, ` +
		`"priority_action": "...", "confidence": 0.0-1.0}`

	user := fmt.Sprintf(
		"User: %s\nStreak: %d days\nHours since last entry: %.1f\nEntries today: %d\n"+
			"Entries this week: %d\nRecent themes: %s\nCurrent hour: %d\nDay of week: %s",
		uc.FirstName, uc.Streak, uc.HoursSinceEntry, uc.EntriesToday,
		uc.EntriesThisWeek, strings.Join(uc.RecentThemes, ", "), uc.CurrentHour, uc.DayOfWeek)

	content, err := c.complete(ctx, system, user, 0.5, 1000, true)
	if err != nil {
		return models.Decision{}, err
	}

	var payload decisionPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		c.log.Warn("decision payload unparseable, defaulting to no action",
			zap.Int64("user", uc.UserID),
			zap.Error(err))
		return noActionDecision(), nil
	}
	return models.Decision{
		ShouldNudge:     payload.Decisions.ShouldNudge,
		ShouldEncourage: payload.Decisions.ShouldEncourage,
		NudgeType:       payload.Decisions.NudgeType,
		CustomMessage:   payload.Decisions.CustomMessage,
		Reasoning:       payload.Reasoning,
		PriorityAction:  payload.PriorityAction,
		Confidence:      payload.Confidence,
	}, nil
}

// ComposeNudge writes a short re-engagement message.
func (c *Client) ComposeNudge(ctx context.Context, nudgeType, userName string, streak int) (string, error) {
	system := "You write one short, friendly reminder (max 2 sentences) asking the user to log their work progress. Plain text, no JSON."
	user := fmt.Sprintf("Nudge type: %s. User name: %s. Current streak: %d days.", nudgeType, userName, streak)
	content, err := c.complete(ctx, system, user, 0.8, 200, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// ComposeInsight writes a brief encouragement grounded in the user's streak.
func (c *Client) ComposeInsight(ctx context.Context, uc models.UserContext) (string, error) {
	system := "You are a productivity coach. Write a brief, honest encouragement (2-3 sentences) for the user. Plain text, no JSON."
	user := fmt.Sprintf("User name: %s. Streak: %d days. Recent themes: %s.",
		uc.FirstName, uc.Streak, strings.Join(uc.RecentThemes, ", "))
	content, err := c.complete(ctx, system, user, 0.8, 300, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
