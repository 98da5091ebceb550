// Package rest is the HTTP client for the btalk server's call, conversation,
// and message endpoints. Calls are persisted server-side through these
// endpoints independently of the peer-to-peer signaling.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/btalk/btalk-go/internal/chat"
	"github.com/btalk/btalk-go/internal/signal"
)

// Client is a btalk REST API client.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// apiResponse is the server's generic response wrapper.
type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// NewClient creates a REST client with a bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rest: %s %s: status %d: %s", method, path, resp.StatusCode, respBody)
	}

	var wrapped apiResponse
	if err := json.Unmarshal(respBody, &wrapped); err != nil {
		return nil, fmt.Errorf("rest: decode response: %w", err)
	}
	if !wrapped.Success {
		return nil, fmt.Errorf("rest: %s %s: %s", method, path, wrapped.Message)
	}
	return wrapped.Data, nil
}

// ── Call lifecycle ────────────────────────────────────────────────────────────

// StartCall posts a new call record with status RINGING.
func (c *Client) StartCall(ctx context.Context, req *signal.CallRequest) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/calls/start", req)
	return err
}

// AnswerCall acknowledges an incoming call.
func (c *Client) AnswerCall(ctx context.Context, req *signal.CallRequest) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/calls/answer", req)
	return err
}

// RejectCall declines a call.
func (c *Client) RejectCall(ctx context.Context, req *signal.CallRequest) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/calls/reject", req)
	return err
}

// EndCall terminates a call.
func (c *Client) EndCall(ctx context.Context, req *signal.CallRequest) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/calls/end", req)
	return err
}

// ── Conversations ─────────────────────────────────────────────────────────────

// GetConversations fetches the caller's conversation list.
func (c *Client) GetConversations(ctx context.Context, userID int64) ([]*chat.Conversation, error) {
	path := fmt.Sprintf("/conversations?userId=%d", userID)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out []*chat.Conversation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation creates a new thread.
func (c *Client) CreateConversation(ctx context.Context, conv *chat.Conversation) (*chat.Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/conversations", conv)
	if err != nil {
		return nil, err
	}
	var out chat.Conversation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Messages ──────────────────────────────────────────────────────────────────

// GetMessages fetches the newest page of a conversation.
func (c *Client) GetMessages(ctx context.Context, conversationID, userID int64) ([]chat.Message, error) {
	path := fmt.Sprintf("/messages/conversation/%d?userId=%d", conversationID, userID)
	return c.fetchMessages(ctx, path)
}

// GetMessagesBefore fetches the page older than the given timestamp, for
// backwards pagination.
func (c *Client) GetMessagesBefore(ctx context.Context, conversationID int64, before time.Time) ([]chat.Message, error) {
	path := fmt.Sprintf("/messages/conversation/%d/before?timestamp=%s",
		conversationID, url.QueryEscape(before.Format(time.RFC3339Nano)))
	return c.fetchMessages(ctx, path)
}

func (c *Client) fetchMessages(ctx context.Context, path string) ([]chat.Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out []chat.Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a message and returns the server copy carrying the
// assigned messageId.
func (c *Client) SendMessage(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/messages", msg)
	if err != nil {
		return nil, err
	}
	var out chat.Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkSeen marks every message in the conversation as seen for the user.
func (c *Client) MarkSeen(ctx context.Context, conversationID, userID int64) error {
	path := fmt.Sprintf("/messages/conversation/%d/seen?userId=%d", conversationID, userID)
	_, err := c.doRequest(ctx, http.MethodPost, path, nil)
	return err
}
