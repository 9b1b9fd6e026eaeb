// Package schedule drives periodic forum browsing: it lists fresh threads on
// a fixed cadence, feeds them to the event pipeline as browse-origin events,
// and optionally hands the conversation engine a browse prompt so the agent
// can participate on its own initiative.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"

	"astrbook/internal/forum"
	"astrbook/internal/logging"
	"astrbook/internal/persona"
	"astrbook/internal/pipeline"
	"astrbook/internal/session"
)

// ErrAlreadyRunning is returned by TriggerNow when a browse cycle is in
// flight. The caller should not wait; the running cycle covers the request.
var ErrAlreadyRunning = errors.New("browse cycle already running")

// Lister is the slice of the forum client the scheduler needs.
type Lister interface {
	ListThreads(ctx context.Context, page, pageSize int, category string) (*forum.Page[forum.Thread], error)
}

// Sink consumes synthesized browse events. *pipeline.Pipeline satisfies it.
type Sink interface {
	Handle(ctx context.Context, ev pipeline.Event) error
}

// Config tunes the browse scheduler.
type Config struct {
	Enabled bool
	// Interval is the fixed delay between browse cycles.
	Interval time.Duration
	// Cron, when set, replaces the fixed-delay loop with a 5-field cron
	// schedule so browsing can follow wall-clock times.
	Cron string
	// InitialDelay defers the first cycle so the live channel settles
	// before the agent starts browsing.
	InitialDelay time.Duration
	// PageSize caps how many threads one cycle inspects.
	PageSize int
	// CustomPrompt replaces the default browse instruction handed to the
	// conversation engine.
	CustomPrompt string
	// SeenWindow bounds the recently-seen thread cache.
	SeenWindow int
}

// Status is a read-only snapshot of the scheduler.
type Status struct {
	Enabled   bool
	Running   bool
	Interval  time.Duration
	Cron      string
	LastRun   time.Time
	LastError string
	Cycles    uint64
}

// Scheduler runs the periodic browse loop.
type Scheduler struct {
	cfg        Config
	forum      Lister
	sink       Sink
	dispatcher pipeline.Dispatcher
	personas   *persona.State
	session    *session.Session
	logger     logging.Logger
	now        func() time.Time

	seen    *lru.Cache[int64, struct{}]
	running atomic.Bool

	mu        sync.Mutex
	lastRun   time.Time
	lastError string
	cycles    uint64
}

// New creates a scheduler. A nil dispatcher disables browse prompts; the
// threads are still recorded through sink.
func New(cfg Config, lister Lister, sink Sink, dispatcher pipeline.Dispatcher, personas *persona.State, sess *session.Session, logger logging.Logger) (*Scheduler, error) {
	if lister == nil {
		return nil, fmt.Errorf("scheduler requires a forum lister")
	}
	if sink == nil {
		return nil, fmt.Errorf("scheduler requires an event sink")
	}
	if personas == nil {
		return nil, fmt.Errorf("scheduler requires persona state")
	}
	if sess == nil {
		return nil, fmt.Errorf("scheduler requires a session")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if cfg.SeenWindow <= 0 {
		cfg.SeenWindow = 256
	}
	seen, err := lru.New[int64, struct{}](cfg.SeenWindow)
	if err != nil {
		return nil, fmt.Errorf("scheduler seen cache init: %w", err)
	}
	return &Scheduler{
		cfg:        cfg,
		forum:      lister,
		sink:       sink,
		dispatcher: dispatcher,
		personas:   personas,
		session:    sess,
		logger:     logging.OrNop(logger),
		now:        time.Now,
		seen:       seen,
	}, nil
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:   s.cfg.Enabled,
		Running:   s.running.Load(),
		Interval:  s.cfg.Interval,
		Cron:      s.cfg.Cron,
		LastRun:   s.lastRun,
		LastError: s.lastError,
		Cycles:    s.cycles,
	}
}

// Run blocks until ctx is cancelled. With a cron expression the cycles
// follow the cron schedule; otherwise a fixed delay separates them, so a
// slow cycle never overlaps the next.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("Auto browse disabled")
		return nil
	}
	if s.cfg.Cron != "" {
		return s.runCron(ctx)
	}

	if s.cfg.InitialDelay > 0 {
		s.logger.Info("First browse cycle in %s", s.cfg.InitialDelay)
		if err := sleep(ctx, s.cfg.InitialDelay); err != nil {
			return err
		}
	}
	for {
		if err := s.TriggerNow(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Warn("Browse cycle failed: %v", err)
		}
		if err := sleep(ctx, s.cfg.Interval); err != nil {
			return err
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.cfg.Cron, func() {
		if err := s.TriggerNow(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Warn("Browse cycle failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid browse cron %q: %w", s.cfg.Cron, err)
	}
	s.logger.Info("Browse schedule: cron %q", s.cfg.Cron)
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
	}
	return ctx.Err()
}

// TriggerNow runs one browse cycle immediately. Only one cycle runs at a
// time; concurrent callers get ErrAlreadyRunning and no second cycle.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	err := s.browse(ctx)

	s.mu.Lock()
	s.lastRun = s.now()
	s.cycles++
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()
	return err
}

// browse is one cycle: list the latest threads, record the unseen ones, and
// hand the conversation engine a browse prompt when a dispatcher is wired.
func (s *Scheduler) browse(ctx context.Context) error {
	page, err := s.forum.ListThreads(ctx, 1, s.cfg.PageSize, "")
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}

	fresh := make([]forum.Thread, 0, len(page.Items))
	for _, th := range page.Items {
		if _, ok := s.seen.Get(th.ID); ok {
			continue
		}
		s.seen.Add(th.ID, struct{}{})
		fresh = append(fresh, th)

		ev := pipeline.Event{
			ID:          fmt.Sprintf("t-%d", th.ID),
			Kind:        pipeline.KindGeneric,
			ThreadID:    th.ID,
			ThreadTitle: th.Title,
			Author:      th.Author.DisplayName(),
			Content:     th.ContentPreview,
			Timestamp:   th.CreatedAt,
			Origin:      pipeline.OriginBrowse,
		}
		if err := s.sink.Handle(ctx, ev); err != nil {
			s.logger.Warn("Pipeline rejected browse event for thread %d: %v", th.ID, err)
		}
	}
	s.logger.Info("Browse cycle: %d threads listed, %d new", len(page.Items), len(fresh))

	if s.dispatcher == nil || len(fresh) == 0 {
		return nil
	}
	req := pipeline.DispatchRequest{
		SessionID: s.session.ID(),
		Persona:   s.personas.Current(),
		Prompt:    s.browsePrompt(fresh),
	}
	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		s.logger.Warn("Browse prompt dispatch failed: %v", err)
	}
	return nil
}

// browsePrompt renders the fresh threads plus the browse instruction.
func (s *Scheduler) browsePrompt(fresh []forum.Thread) string {
	var b strings.Builder
	b.WriteString("[Forum browse] New threads since your last visit:\n")
	for _, th := range fresh {
		fmt.Fprintf(&b, "- #%d \"%s\" by %s (%s, %d replies)\n",
			th.ID, th.Title, th.Author.DisplayName(), th.Category, th.ReplyCount)
	}
	b.WriteString("\n")
	if s.cfg.CustomPrompt != "" {
		b.WriteString(s.cfg.CustomPrompt)
	} else {
		b.WriteString("Browse the forum as yourself. Use read_thread(id) on anything interesting, ")
		b.WriteString("reply_thread(id, content) or like_thread(id) when you have something genuine to add. ")
		b.WriteString("It is fine to add nothing.")
	}
	return b.String()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
