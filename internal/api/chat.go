package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/npezzotti/blyss-chat/internal/types"
)

type CreateThreadRequest struct {
	Type           types.ThreadType `json:"type"`
	Title          string           `json:"title,omitempty"`
	ParticipantIds []string         `json:"participantIds"`
}

type CreateMessageRequest struct {
	Content string `json:"content"`
}

func (c *Client) ListThreads(ctx context.Context) ([]types.Thread, error) {
	var threads []types.Thread
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "api", "chat", "threads"), nil, &threads, true); err != nil {
		return nil, err
	}
	if threads == nil {
		threads = []types.Thread{}
	}
	return threads, nil
}

func (c *Client) CreateThread(ctx context.Context, req CreateThreadRequest) (types.Thread, error) {
	var thread types.Thread
	err := c.do(ctx, http.MethodPost, c.endpoint(nil, "api", "chat", "threads"), req, &thread, false)
	return thread, err
}

func (c *Client) ListMessages(ctx context.Context, threadId string) ([]types.Message, error) {
	var messages []types.Message
	endpoint := c.endpoint(nil, "api", "chat", "threads", url.PathEscape(threadId), "messages")
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &messages, true); err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []types.Message{}
	}
	return messages, nil
}

// CreateMessage is attempted once; repeating a non-idempotent send could
// duplicate the message.
func (c *Client) CreateMessage(ctx context.Context, threadId, content string) (types.Message, error) {
	var msg types.Message
	endpoint := c.endpoint(nil, "api", "chat", "threads", url.PathEscape(threadId), "messages")
	err := c.do(ctx, http.MethodPost, endpoint, CreateMessageRequest{Content: content}, &msg, false)
	return msg, err
}

func (c *Client) MarkRead(ctx context.Context, threadId string) error {
	endpoint := c.endpoint(nil, "api", "chat", "threads", url.PathEscape(threadId), "read")
	return c.do(ctx, http.MethodPost, endpoint, nil, nil, false)
}

func (c *Client) UnreadCounts(ctx context.Context) (types.UnreadCounts, error) {
	var counts types.UnreadCounts
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "api", "chat", "unread"), nil, &counts, true); err != nil {
		return nil, err
	}
	if counts == nil {
		counts = types.UnreadCounts{}
	}
	return counts, nil
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]types.User, error) {
	var users []types.User
	endpoint := c.endpoint(url.Values{"q": {query}}, "api", "chat", "users", "search")
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &users, true); err != nil {
		return nil, err
	}
	if users == nil {
		users = []types.User{}
	}
	return users, nil
}
