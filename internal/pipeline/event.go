package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Origin says which path produced an event.
type Origin string

const (
	OriginLive   Origin = "live"
	OriginBrowse Origin = "browse"
)

// Kind classifies a notification event.
type Kind string

const (
	KindMention    Kind = "mention"
	KindReplyToOwn Kind = "reply_to_own"
	KindGeneric    Kind = "generic"
)

// Event is an immutable notification flowing through the pipeline,
// regardless of whether it arrived live or from a browse cycle.
type Event struct {
	ID          string
	Kind        Kind
	ThreadID    int64
	ThreadTitle string
	ReplyID     int64
	Author      string
	Content     string
	Timestamp   time.Time
	Origin      Origin
}

// DedupKey returns the event's dedup identity: the server-assigned id when
// present, otherwise a key derived from (kind, source ids, timestamp).
func (e Event) DedupKey() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s-%d-%d-%d", e.Kind, e.ThreadID, e.ReplyID, e.Timestamp.Unix())
}

// Actionable reports whether the event is a candidate for automatic
// response. Browse-origin and generic events are recorded but never
// auto-dispatched.
func (e Event) Actionable() bool {
	if e.Origin != OriginLive {
		return false
	}
	return e.Kind == KindMention || e.Kind == KindReplyToOwn
}

// snippet truncates s to max runes for journal summaries.
func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
