// Package adapter owns the single shared adapter context: one journal, one
// persona state, one session, one connection, one scheduler per process. It
// wires the components together and runs their long-lived loops.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"astrbook/internal/channel"
	"astrbook/internal/config"
	"astrbook/internal/control"
	"astrbook/internal/forum"
	"astrbook/internal/journal"
	"astrbook/internal/logging"
	"astrbook/internal/persona"
	"astrbook/internal/pipeline"
	"astrbook/internal/schedule"
	"astrbook/internal/session"
)

// initialBrowseDelay lets the live channel settle before the first browse.
const initialBrowseDelay = time.Minute

// Options carries the external collaborators the adapter cannot build
// itself. A nil Dispatcher leaves every actionable event pending.
type Options struct {
	// Dispatcher hands actionable events and browse prompts to the
	// conversation engine.
	Dispatcher pipeline.Dispatcher
	// Registry overrides the persona source. Defaults to the personas
	// declared in config.
	Registry persona.Registry
	Logger   logging.Logger
}

// Adapter is the assembled forum platform adapter.
type Adapter struct {
	cfg    config.Config
	logger logging.Logger

	journal   *journal.Journal
	personas  *persona.State
	session   *session.Session
	forum     *forum.RateLimitedClient
	pipeline  *pipeline.Pipeline
	manager   *channel.Manager
	scheduler *schedule.Scheduler
	control   *control.Interpreter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// New builds an adapter from config. The config is normalized and validated;
// the journal is opened (and its data directory created) eagerly so startup
// fails fast on bad paths.
func New(cfg config.Config, opts Options) (*Adapter, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("adapter config: %w", err)
	}
	logger := logging.OrNop(opts.Logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	j, err := journal.Open(cfg.MemoryPath(), cfg.MaxMemoryItems)
	if err != nil {
		return nil, fmt.Errorf("open memory journal: %w", err)
	}

	registry := opts.Registry
	if registry == nil {
		personas := make([]persona.Persona, 0, len(cfg.Personas))
		for _, p := range cfg.Personas {
			personas = append(personas, persona.Persona{Name: p.Name, Prompt: p.Prompt})
		}
		registry = persona.NewStaticRegistry(personas)
	}
	personas := persona.NewState(registry)
	sess := session.New(cfg.SessionPrefix)

	dedup := cfg.MaxMemoryItems
	if dedup < 128 {
		dedup = 128
	}
	pipe, err := pipeline.New(pipeline.Config{
		ReplyProbability:  cfg.ReplyProbability,
		AutoReplyMentions: cfg.AutoReplyMentions,
		DedupWindow:       dedup,
	}, j, personas, sess, opts.Dispatcher, logger)
	if err != nil {
		return nil, err
	}

	forumClient := forum.NewRateLimitedClient(forum.ClientConfig{
		BaseURL: cfg.APIBase,
		Token:   cfg.Token,
	})

	manager, err := channel.NewManager(channel.Config{
		WSURL: cfg.WSURL,
		Token: cfg.Token,
	}, pipe, logger)
	if err != nil {
		return nil, err
	}

	scheduler, err := schedule.New(schedule.Config{
		Enabled:      cfg.AutoBrowse,
		Interval:     cfg.BrowseIntervalDuration(),
		Cron:         cfg.BrowseCron,
		InitialDelay: initialBrowseDelay,
		CustomPrompt: cfg.CustomPrompt,
	}, forumClient, pipe, opts.Dispatcher, personas, sess, logger)
	if err != nil {
		return nil, err
	}

	ctrl, err := control.New(manager, scheduler, personas, sess, j, pipe, logger)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		cfg:       cfg,
		logger:    logger,
		journal:   j,
		personas:  personas,
		session:   sess,
		forum:     forumClient,
		pipeline:  pipe,
		manager:   manager,
		scheduler: scheduler,
		control:   ctrl,
	}, nil
}

// Run blocks until ctx is cancelled or a component fails terminally. An
// authentication rejection stops the whole adapter; transient failures are
// absorbed by the components themselves.
func (a *Adapter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(a.guard("connection", func() error {
		return a.manager.Run(ctx)
	}))
	g.Go(a.guard("scheduler", func() error {
		return a.scheduler.Run(ctx)
	}))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, channel.ErrAuth) {
		a.logger.Error("Adapter stopped: %v", err)
	}
	return err
}

// guard converts a panic in a component loop into an error so one
// misbehaving loop takes the adapter down cleanly instead of the process.
func (a *Adapter) guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("Panic in %s loop: %v", name, r)
				err = fmt.Errorf("%s loop panicked: %v", name, r)
			}
		}()
		return fn()
	}
}

// Start launches Run in the background. Use Stop for shutdown.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return fmt.Errorf("adapter already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		err := a.Run(runCtx)
		a.mu.Lock()
		a.runErr = err
		a.mu.Unlock()
		close(a.done)
	}()
	a.logger.Info("AstrBook adapter started (session %s)", a.session.ID())
	return nil
}

// Stop requests cooperative shutdown and waits for the loops to exit.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runErr
}

// HandleCommand routes a chat message to the control interpreter. ok is
// false when the text is not an adapter command.
func (a *Adapter) HandleCommand(ctx context.Context, text string) (reply string, ok bool) {
	if !control.IsCommand(text) {
		return "", false
	}
	return a.control.Handle(ctx, text), true
}

// Control returns the command interpreter.
func (a *Adapter) Control() *control.Interpreter { return a.control }

// Forum returns the rate-limited forum client for manual tools.
func (a *Adapter) Forum() *forum.RateLimitedClient { return a.forum }

// Journal returns the shared memory journal.
func (a *Adapter) Journal() *journal.Journal { return a.journal }

// Channel returns the connection manager.
func (a *Adapter) Channel() *channel.Manager { return a.manager }

// Scheduler returns the browse scheduler.
func (a *Adapter) Scheduler() *schedule.Scheduler { return a.scheduler }

// Pipeline returns the event pipeline.
func (a *Adapter) Pipeline() *pipeline.Pipeline { return a.pipeline }
