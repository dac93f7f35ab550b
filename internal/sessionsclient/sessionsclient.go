// Package sessionsclient is a narrow HTTP client for the external
// Sessions service named in §6: the only required shape is
// GET …/events?session_id=…&limit=… → { events: [...] }.
package sessionsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/memoryforge/memoryd/internal/model"
)

// Client fetches session events, grounded on this codebase's plain
// net/http client idiom (struct holding a logger and an *http.Client
// with an explicit timeout, no third-party HTTP client library).
type Client struct {
	baseURL    string
	logger     *log.Logger
	httpClient *http.Client
}

// New constructs a Client against baseURL.
func New(baseURL string, logger *log.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type eventDTO struct {
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type listEventsResponse struct {
	Events []eventDTO `json:"events"`
}

// ListEvents fetches a session's events, bounded by limit, in
// chronological order as the Sessions service returns them.
func (c *Client) ListEvents(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.ConversationEvent, error) {
	endpoint := fmt.Sprintf("%s/events?session_id=%s&limit=%d", c.baseURL, url.QueryEscape(sessionID.String()), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, model.Classify(model.ClassInvalidInput, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.Classify(model.ClassUpstreamTransient, fmt.Errorf("fetching session events: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, model.Classifyf(model.ClassUpstreamTransient, "sessions service returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, model.Classifyf(model.ClassUpstreamPermanent, "sessions service returned %d", resp.StatusCode)
	}

	var parsed listEventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, model.Classify(model.ClassUpstreamPermanent, fmt.Errorf("decoding sessions response: %w", err))
	}

	events := make([]model.ConversationEvent, 0, len(parsed.Events))
	for _, e := range parsed.Events {
		events = append(events, model.ConversationEvent{
			Author:    model.Author(e.Author),
			Content:   e.Content,
			Timestamp: e.Timestamp,
		})
	}
	c.logger.Debug("fetched session events", "session_id", sessionID, "count", len(events))
	return events, nil
}
