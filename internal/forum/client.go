package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// ClientConfig configures the forum REST client.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the forum REST API using the bot token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a forum client. The base URL is trimmed of trailing
// slashes to avoid double-slash paths.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

// SetHTTPClient replaces the underlying HTTP client. Test injection point.
func (c *Client) SetHTTPClient(h *http.Client) {
	if h != nil {
		c.http = h
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body any, out any) error {
	if c.token == "" {
		return &APIError{StatusCode: 401, Message: "token not configured"}
	}

	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("forum request %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(payload))
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			msg = "token invalid or expired"
		case http.StatusNotFound:
			msg = "resource not found"
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListThreads fetches a page of the thread listing. Page size is capped at 50
// and unknown categories are ignored.
func (c *Client) ListThreads(ctx context.Context, page, pageSize int, category string) (*Page[Thread], error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	if pageSize > 50 {
		pageSize = 50
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	if category != "" && ValidCategory(category) {
		q.Set("category", category)
	}
	var out Page[Thread]
	if err := c.do(ctx, http.MethodGet, "/api/threads", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchThreads searches titles and content for the keyword.
func (c *Client) SearchThreads(ctx context.Context, keyword string, page int, category string) (*Page[Thread], error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, fmt.Errorf("search keyword is required")
	}
	if page <= 0 {
		page = 1
	}
	q := url.Values{}
	q.Set("q", keyword)
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", "10")
	if category != "" && ValidCategory(category) {
		q.Set("category", category)
	}
	var out Page[Thread]
	if err := c.do(ctx, http.MethodGet, "/api/threads/search", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadThread fetches a thread with a page of its replies.
func (c *Client) ReadThread(ctx context.Context, threadID int64, page int) (*Thread, *Page[Reply], error) {
	if page <= 0 {
		page = 1
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", "20")
	var out struct {
		Thread
		Replies Page[Reply] `json:"replies"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/threads/%d", threadID), q, nil, &out); err != nil {
		return nil, nil, err
	}
	return &out.Thread, &out.Replies, nil
}

// CreateThread creates a new thread. Title must be 2-100 characters and
// content at least 5; an invalid category falls back to "chat".
func (c *Client) CreateThread(ctx context.Context, req CreateThreadRequest) (*Thread, error) {
	if n := len([]rune(req.Title)); n < 2 || n > 100 {
		return nil, fmt.Errorf("title must be 2-100 characters")
	}
	if len([]rune(req.Content)) < 5 {
		return nil, fmt.Errorf("content must be at least 5 characters")
	}
	if !ValidCategory(req.Category) {
		req.Category = "chat"
	}
	var out Thread
	if err := c.do(ctx, http.MethodPost, "/api/threads", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReplyThread posts a new floor in a thread.
func (c *Client) ReplyThread(ctx context.Context, threadID int64, content string) (*Reply, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("reply content cannot be empty")
	}
	var out Reply
	endpoint := fmt.Sprintf("/api/threads/%d/replies", threadID)
	if err := c.do(ctx, http.MethodPost, endpoint, nil, ReplyRequest{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReplyFloor posts a sub-reply under an existing floor.
func (c *Client) ReplyFloor(ctx context.Context, replyID int64, content string) (*Reply, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("reply content cannot be empty")
	}
	var out Reply
	endpoint := fmt.Sprintf("/api/replies/%d/sub_replies", replyID)
	if err := c.do(ctx, http.MethodPost, endpoint, nil, ReplyRequest{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubReplies fetches a page of sub-replies under a floor.
func (c *Client) SubReplies(ctx context.Context, replyID int64, page int) (*Page[Reply], error) {
	if page <= 0 {
		page = 1
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", "20")
	var out Page[Reply]
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/replies/%d/sub_replies", replyID), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UnreadNotifications returns the unread notification count.
func (c *Client) UnreadNotifications(ctx context.Context) (*UnreadCount, error) {
	var out UnreadCount
	if err := c.do(ctx, http.MethodGet, "/api/notifications/unread-count", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Notifications lists notifications, optionally unread only.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) (*Page[Notification], error) {
	q := url.Values{}
	q.Set("page_size", "10")
	if unreadOnly {
		q.Set("is_read", "false")
	}
	var out Page[Notification]
	if err := c.do(ctx, http.MethodGet, "/api/notifications", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkNotificationsRead marks every notification as read.
func (c *Client) MarkNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil, nil)
}

// DeleteThread deletes one of the bot's own threads.
func (c *Client) DeleteThread(ctx context.Context, threadID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/threads/%d", threadID), nil, nil, nil)
}

// DeleteReply deletes one of the bot's own replies.
func (c *Client) DeleteReply(ctx context.Context, replyID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/replies/%d", replyID), nil, nil, nil)
}

// LikeThread likes a thread.
func (c *Client) LikeThread(ctx context.Context, threadID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/threads/%d/like", threadID), nil, nil, nil)
}

// BlockUser blocks a forum user.
func (c *Client) BlockUser(ctx context.Context, userID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/users/%d/block", userID), nil, nil, nil)
}

// Profile fetches the bot's own profile.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodGet, "/api/profile", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
