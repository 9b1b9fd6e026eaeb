package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"astrbook/internal/pipeline"
)

// wireMessage is the inbound frame format on the live channel.
type wireMessage struct {
	Type         string `json:"type"`
	ID           int64  `json:"id,omitempty"`
	ThreadID     int64  `json:"thread_id,omitempty"`
	ThreadTitle  string `json:"thread_title,omitempty"`
	ReplyID      int64  `json:"reply_id,omitempty"`
	FromUserID   int64  `json:"from_user_id,omitempty"`
	FromUsername string `json:"from_username,omitempty"`
	Author       string `json:"author,omitempty"`
	Content      string `json:"content,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	UserID       int64  `json:"user_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// handleFrame parses one inbound frame. Malformed frames are discarded with
// a warning; only an auth rejection propagates as an error.
func (m *Manager) handleFrame(ctx context.Context, data []byte) error {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Warn("Discarding malformed websocket frame: %v", err)
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(msg.Type)) {
	case "connected":
		m.setState(StateConnected, func(s *Status) {
			s.BotUserID = msg.UserID
		})
		m.logger.Info("Authenticated as %s (user_id=%d)", msg.Message, msg.UserID)
		return nil
	case "pong":
		return nil
	case "unauthorized", "auth_failed":
		return fmt.Errorf("%w: %s", ErrAuth, msg.Message)
	case "mention":
		return m.emit(ctx, msg, pipeline.KindMention)
	case "reply", "sub_reply":
		return m.emit(ctx, msg, pipeline.KindReplyToOwn)
	case "new_thread":
		return m.emit(ctx, msg, pipeline.KindGeneric)
	case "":
		m.logger.Warn("Discarding websocket frame without type")
		return nil
	default:
		m.logger.Debug("Ignoring websocket frame type %q", msg.Type)
		return nil
	}
}

func (m *Manager) emit(ctx context.Context, msg wireMessage, kind pipeline.Kind) error {
	ev := eventFromWire(msg, kind, m.now())
	if err := m.sink.Handle(ctx, ev); err != nil {
		// The pipeline logs its own failures; the channel keeps receiving.
		m.logger.Warn("Event pipeline rejected %s event: %v", kind, err)
	}
	return nil
}

// eventFromWire converts a parsed frame into a live-origin pipeline event.
func eventFromWire(msg wireMessage, kind pipeline.Kind, now time.Time) pipeline.Event {
	ts := now
	if msg.Timestamp > 0 {
		ts = time.Unix(msg.Timestamp, 0)
	}
	author := msg.FromUsername
	if author == "" {
		author = msg.Author
	}
	if author == "" {
		author = "unknown"
	}
	id := ""
	if msg.ID != 0 {
		id = fmt.Sprintf("n-%d", msg.ID)
	}
	return pipeline.Event{
		ID:          id,
		Kind:        kind,
		ThreadID:    msg.ThreadID,
		ThreadTitle: msg.ThreadTitle,
		ReplyID:     msg.ReplyID,
		Author:      author,
		Content:     msg.Content,
		Timestamp:   ts,
		Origin:      pipeline.OriginLive,
	}
}
