// Package chatapi calls the chat HTTP API on behalf of one signed-in user.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketplace-chat/internal/domain"
)

// APIError is a non-2xx response. Code and Reason come from the error body
// when the server sent one.
type APIError struct {
	StatusCode int
	URL        string
	Code       string
	Reason     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chatapi: %s %s (status %d, %s)", e.Code, e.Reason, e.StatusCode, e.URL)
	}
	return fmt.Sprintf("chatapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Client implements the chat client backend over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient creates a Client sending token as a bearer credential.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("chatapi: base URL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("chatapi: invalid base URL: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("chatapi: token must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	var out struct {
		Conversations []domain.ConversationSummary `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) GetOrCreateConversation(ctx context.Context, otherUserID string) (domain.ConversationRef, error) {
	var ref domain.ConversationRef
	body := map[string]string{"otherUserId": otherUserID}
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, body, &ref); err != nil {
		return domain.ConversationRef{}, err
	}
	return ref, nil
}

// GetMessages fetches the latest page. A non-positive limit leaves the page
// size to the server.
func (c *Client) GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.MessageView, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out struct {
		Messages []domain.MessageView `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), query, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (domain.MessageView, error) {
	var msg domain.MessageView
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), nil, body, &msg); err != nil {
		return domain.MessageView{}, err
	}
	return msg, nil
}

func (c *Client) MarkMessagesAsRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, nil, nil)
}

func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/unread-count", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]domain.UserResult, error) {
	var out struct {
		Users []domain.UserResult `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/search", url.Values{"q": {query}}, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

func conversationPath(conversationID, leaf string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/" + leaf
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("chatapi: marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("chatapi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chatapi: %s %s: %w", method, path, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		apiErr := &APIError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
		var eb errorBody
		if json.Unmarshal(buf, &eb) == nil {
			apiErr.Code = eb.Error
			apiErr.Reason = eb.Reason
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("chatapi: read response body: %w", err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("chatapi: decode %s %s: %w", method, path, err)
	}
	return nil
}
