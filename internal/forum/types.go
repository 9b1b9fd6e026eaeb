package forum

import (
	"fmt"
	"time"
)

// Categories recognized by the forum. Unknown categories fall back to "chat".
var Categories = []string{"chat", "deals", "misc", "tech", "help", "intro", "acg"}

// ValidCategory reports whether name is a recognized category key.
func ValidCategory(name string) bool {
	for _, c := range Categories {
		if c == name {
			return true
		}
	}
	return false
}

// Author identifies a forum user.
type Author struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
}

// DisplayName prefers the nickname when set.
func (a Author) DisplayName() string {
	if a.Nickname != "" {
		return a.Nickname
	}
	return a.Username
}

// Thread represents a forum thread as returned by list/read endpoints.
type Thread struct {
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	Content        string    `json:"content,omitempty"`
	ContentPreview string    `json:"content_preview,omitempty"`
	Category       string    `json:"category"`
	Author         Author    `json:"author"`
	ReplyCount     int       `json:"reply_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Reply represents a floor inside a thread.
type Reply struct {
	ID        int64     `json:"id"`
	ThreadID  int64     `json:"thread_id"`
	FloorNum  int       `json:"floor_num,omitempty"`
	Content   string    `json:"content"`
	Author    Author    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a server-side notification record (reply, sub_reply, mention).
type Notification struct {
	ID             int64  `json:"id"`
	Type           string `json:"type"`
	ThreadID       int64  `json:"thread_id"`
	ThreadTitle    string `json:"thread_title,omitempty"`
	ReplyID        int64  `json:"reply_id,omitempty"`
	FromUser       Author `json:"from_user"`
	ContentPreview string `json:"content_preview,omitempty"`
	IsRead         bool   `json:"is_read"`
}

// Profile is the bot's own forum profile.
type Profile struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	Bio       string `json:"bio,omitempty"`
	PostCount int    `json:"post_count"`
}

// Page is the pagination envelope used by list endpoints.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	PageNum    int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// UnreadCount summarizes pending notifications.
type UnreadCount struct {
	Unread int `json:"unread"`
	Total  int `json:"total"`
}

// CreateThreadRequest is the payload for creating a new thread.
type CreateThreadRequest struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"category"`
}

// ReplyRequest is the payload for thread and floor replies.
type ReplyRequest struct {
	Content string `json:"content"`
}

// APIError represents an error response from the forum API.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("forum: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err is a 401 from the forum API.
func IsAuthError(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == 401
}
