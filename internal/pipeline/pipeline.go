// Package pipeline is the single decision path every notification takes:
// dedup, unconditional journal append, actionability classification, and the
// probabilistic reply gate in front of the conversation engine.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"astrbook/internal/journal"
	"astrbook/internal/logging"
	"astrbook/internal/persona"
	"astrbook/internal/session"
)

// DispatchRequest carries everything the conversation engine needs to
// generate a reply for an event.
type DispatchRequest struct {
	SessionID string
	Persona   persona.Active
	Prompt    string
	Event     Event
}

// Dispatcher hands an actionable event to the external conversation engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// Config tunes pipeline behavior.
type Config struct {
	// ReplyProbability gates automatic dispatch of actionable events. It
	// bounds agent-to-agent reply loops; it never affects persistence.
	ReplyProbability float64
	// AutoReplyMentions disables automatic dispatch entirely when false.
	AutoReplyMentions bool
	// DedupWindow is the recent-ids window size. Values below the journal
	// capacity are raised to it by the adapter.
	DedupWindow int
}

// Stats are cumulative pipeline counters, readable for status output.
type Stats struct {
	Handled    uint64
	Duplicates uint64
	Dispatched uint64
	Pending    uint64
}

// Pipeline consumes events from the connection manager and the scheduler.
type Pipeline struct {
	cfg        Config
	journal    *journal.Journal
	personas   *persona.State
	session    *session.Session
	dispatcher Dispatcher
	logger     logging.Logger
	random     func() float64
	seen       *lru.Cache[string, struct{}]

	handled    atomic.Uint64
	duplicates atomic.Uint64
	dispatched atomic.Uint64
	pending    atomic.Uint64
}

// New creates a pipeline. A nil dispatcher means every actionable event is
// left pending; a nil random source uses a time-seeded generator.
func New(cfg Config, j *journal.Journal, personas *persona.State, sess *session.Session, dispatcher Dispatcher, logger logging.Logger) (*Pipeline, error) {
	if j == nil {
		return nil, fmt.Errorf("pipeline requires a journal")
	}
	if personas == nil {
		return nil, fmt.Errorf("pipeline requires persona state")
	}
	if sess == nil {
		return nil, fmt.Errorf("pipeline requires a session")
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 128
	}
	seen, err := lru.New[string, struct{}](cfg.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("pipeline dedup cache init: %w", err)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Pipeline{
		cfg:        cfg,
		journal:    j,
		personas:   personas,
		session:    sess,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger),
		random:     rng.Float64,
		seen:       seen,
	}, nil
}

// SetRandom replaces the uniform random source used by the reply gate.
// Test injection point; fn must return values in [0,1).
func (p *Pipeline) SetRandom(fn func() float64) {
	if fn != nil {
		p.random = fn
	}
}

// Handle is the single entry point for live and browse events.
func (p *Pipeline) Handle(ctx context.Context, ev Event) error {
	p.handled.Add(1)

	key := ev.DedupKey()
	if _, dup := p.seen.Get(key); dup {
		p.duplicates.Add(1)
		p.logger.Debug("Duplicate event dropped: %s", key)
		return nil
	}
	p.seen.Add(key, struct{}{})

	// Every unique event is recorded, whatever the gate decides below.
	if err := p.journal.Append(recordFor(ev)); err != nil {
		p.logger.Warn("Journal append failed for event %s: %v", key, err)
	}

	if !ev.Actionable() {
		return nil
	}

	if !p.cfg.AutoReplyMentions || p.dispatcher == nil {
		p.pending.Add(1)
		p.logger.Debug("Auto reply disabled; event %s left pending", key)
		return nil
	}

	if sample := p.random(); sample >= p.cfg.ReplyProbability {
		p.pending.Add(1)
		p.logger.Info("Event %s from %s recorded but not dispatched (probability=%.0f%%); reply manually via notifications",
			key, ev.Author, p.cfg.ReplyProbability*100)
		return nil
	}

	req := DispatchRequest{
		SessionID: p.session.ID(),
		Persona:   p.personas.Current(),
		Prompt:    formatNotificationPrompt(ev),
		Event:     ev,
	}
	if err := p.dispatcher.Dispatch(ctx, req); err != nil {
		p.pending.Add(1)
		p.logger.Warn("Dispatch failed for event %s: %v; event remains pending", key, err)
		return nil
	}
	p.dispatched.Add(1)
	p.logger.Info("Event %s dispatched to conversation engine (thread %d)", key, ev.ThreadID)
	return nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Handled:    p.handled.Load(),
		Duplicates: p.duplicates.Load(),
		Dispatched: p.dispatched.Load(),
		Pending:    p.pending.Load(),
	}
}

// recordFor maps an event to its journal record.
func recordFor(ev Event) journal.Record {
	rec := journal.Record{
		Timestamp: ev.Timestamp,
		ThreadID:  ev.ThreadID,
		ReplyID:   ev.ReplyID,
	}
	switch {
	case ev.Origin == OriginBrowse:
		rec.Kind = journal.KindBrowsed
		rec.Summary = fmt.Sprintf("Saw thread \"%s\" by %s while browsing", ev.ThreadTitle, ev.Author)
	case ev.Kind == KindMention:
		rec.Kind = journal.KindMentioned
		rec.Summary = fmt.Sprintf("Mentioned by @%s in \"%s\": %s", ev.Author, ev.ThreadTitle, snippet(ev.Content, 50))
	case ev.Kind == KindReplyToOwn:
		rec.Kind = journal.KindReplied
		rec.Summary = fmt.Sprintf("@%s replied to you in \"%s\": %s", ev.Author, ev.ThreadTitle, snippet(ev.Content, 50))
	default:
		rec.Kind = journal.KindNewThread
		rec.Summary = fmt.Sprintf("New thread \"%s\" by %s", ev.ThreadTitle, ev.Author)
	}
	return rec
}

// formatNotificationPrompt renders the event as the prompt text handed to
// the conversation engine, including the tool hints for responding.
func formatNotificationPrompt(ev Event) string {
	var header string
	if ev.Kind == KindMention {
		header = fmt.Sprintf("[Forum notification] You were mentioned by @%s in thread \"%s\" (ID:%d):",
			ev.Author, ev.ThreadTitle, ev.ThreadID)
	} else {
		header = fmt.Sprintf("[Forum notification] @%s replied to you in thread \"%s\" (ID:%d):",
			ev.Author, ev.ThreadTitle, ev.ThreadID)
	}
	hint := fmt.Sprintf("You can use read_thread(%d) to see the thread", ev.ThreadID)
	if ev.ReplyID != 0 {
		hint += fmt.Sprintf(", or reply_floor(%d, content) to answer this message.", ev.ReplyID)
	} else {
		hint += fmt.Sprintf(", or reply_thread(%d, content) to answer.", ev.ThreadID)
	}
	return header + "\n\n" + ev.Content + "\n\n" + hint
}
