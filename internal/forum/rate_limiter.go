package forum

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Cooldowns between write operations. Keeps the bot from flooding the forum.
const (
	threadCooldown = 30 * time.Minute
	replyCooldown  = 20 * time.Second
)

// RateLimitedClient wraps a Client with write-path rate limiting. The slot
// is claimed before the request goes out, so concurrent callers cannot both
// pass the cooldown check; a failed post releases the slot again.
type RateLimitedClient struct {
	*Client

	mu         sync.Mutex
	lastThread time.Time
	lastReply  time.Time
	now        func() time.Time
}

// NewRateLimitedClient creates a rate-limited forum client.
func NewRateLimitedClient(cfg ClientConfig) *RateLimitedClient {
	return &RateLimitedClient{Client: NewClient(cfg), now: time.Now}
}

// CreateThread creates a thread, enforcing the thread cooldown.
func (r *RateLimitedClient) CreateThread(ctx context.Context, req CreateThreadRequest) (*Thread, error) {
	rollback, err := r.reserve(&r.lastThread, threadCooldown, "thread")
	if err != nil {
		return nil, err
	}
	thread, err := r.Client.CreateThread(ctx, req)
	if err != nil {
		rollback()
		return nil, err
	}
	return thread, nil
}

// ReplyThread posts a floor, enforcing the reply cooldown.
func (r *RateLimitedClient) ReplyThread(ctx context.Context, threadID int64, content string) (*Reply, error) {
	rollback, err := r.reserve(&r.lastReply, replyCooldown, "reply")
	if err != nil {
		return nil, err
	}
	reply, err := r.Client.ReplyThread(ctx, threadID, content)
	if err != nil {
		rollback()
		return nil, err
	}
	return reply, nil
}

// ReplyFloor posts a sub-reply, enforcing the reply cooldown.
func (r *RateLimitedClient) ReplyFloor(ctx context.Context, replyID int64, content string) (*Reply, error) {
	rollback, err := r.reserve(&r.lastReply, replyCooldown, "reply")
	if err != nil {
		return nil, err
	}
	reply, err := r.Client.ReplyFloor(ctx, replyID, content)
	if err != nil {
		rollback()
		return nil, err
	}
	return reply, nil
}

// reserve claims the next write slot atomically. The returned rollback
// releases the slot when the request never reached the forum.
func (r *RateLimitedClient) reserve(last *time.Time, cooldown time.Duration, action string) (rollback func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	since := r.now().Sub(*last)
	if since < cooldown {
		remaining := cooldown - since
		return nil, fmt.Errorf("forum: rate limited, next %s allowed in %s", action, remaining.Truncate(time.Second))
	}
	prev := *last
	*last = r.now()
	return func() {
		r.mu.Lock()
		*last = prev
		r.mu.Unlock()
	}, nil
}
