// Package channel owns the live notification channel: the WebSocket
// lifecycle, authentication, heartbeats, and reconnection backoff. It parses
// inbound frames into pipeline events and performs no decision logic itself.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"astrbook/internal/logging"
	"astrbook/internal/pipeline"
)

// ErrAuth is returned when the forum rejects the bot token. Terminal: the
// manager stops reconnecting and surfaces the failure through Status.
var ErrAuth = errors.New("forum websocket authentication rejected")

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Status is a read-only snapshot of the connection state machine.
type Status struct {
	State       State
	Attempt     int
	RetryAt     time.Time
	BotUserID   int64
	ConnectedAt time.Time
	Fatal       string
}

// Sink consumes parsed notification events. *pipeline.Pipeline satisfies it.
type Sink interface {
	Handle(ctx context.Context, ev pipeline.Event) error
}

// Conn is the subset of *websocket.Conn the manager uses. Test seam.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Dialer establishes a connection. The *http.Response carries the handshake
// status so auth rejections (401) can be told apart from transient failures.
type Dialer func(ctx context.Context, url string) (Conn, *http.Response, error)

// Config tunes the connection manager.
type Config struct {
	WSURL             string
	Token             string
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// Manager runs the notification channel lifecycle.
type Manager struct {
	cfg    Config
	sink   Sink
	logger logging.Logger
	dial   Dialer
	now    func() time.Time

	mu     sync.Mutex
	status Status
}

// NewManager creates a connection manager feeding events into sink.
func NewManager(cfg Config, sink Sink, logger logging.Logger) (*Manager, error) {
	if sink == nil {
		return nil, fmt.Errorf("connection manager requires an event sink")
	}
	if cfg.WSURL == "" {
		return nil, fmt.Errorf("connection manager requires ws_url")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		sink:   sink,
		logger: logging.OrNop(logger),
		dial:   dialGorilla,
		now:    time.Now,
	}, nil
}

// SetDialer replaces the WebSocket dialer. Test injection point.
func (m *Manager) SetDialer(d Dialer) {
	if d != nil {
		m.dial = d
	}
}

func dialGorilla(ctx context.Context, url string) (Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setState(state State, mutate func(*Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = state
	if mutate != nil {
		mutate(&m.status)
	}
}

func (m *Manager) wsAddr() string {
	return m.cfg.WSURL + "?token=" + m.cfg.Token
}

// Run drives the connect/serve/backoff loop until ctx is cancelled or an
// authentication failure makes further retries pointless.
func (m *Manager) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.BackoffBase
	policy.MaxInterval = m.cfg.BackoffMax
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			m.setState(StateDisconnected, nil)
			return err
		}

		m.setState(StateConnecting, nil)
		m.logger.Info("Connecting to forum websocket: %s", m.cfg.WSURL)

		conn, resp, err := m.dial(ctx, m.wsAddr())
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return m.fatal("token rejected during websocket handshake")
			}
			m.logger.Warn("Websocket connect failed: %v", err)
			attempt++
			if stop := m.waitBackoff(ctx, policy, attempt); stop != nil {
				return stop
			}
			continue
		}

		connectedAt := m.now()
		m.setState(StateConnected, func(s *Status) {
			s.Attempt = 0
			s.RetryAt = time.Time{}
			s.ConnectedAt = connectedAt
		})
		m.logger.Info("Websocket connected")

		serveErr := m.serve(ctx, conn)
		_ = conn.Close()

		if errors.Is(serveErr, ErrAuth) {
			return m.fatal("token rejected by forum server")
		}
		if ctx.Err() != nil {
			m.setState(StateDisconnected, nil)
			return ctx.Err()
		}
		m.logger.Warn("Websocket session ended: %v", serveErr)

		// Sustained connectivity earns a fresh backoff schedule.
		if m.now().Sub(connectedAt) > m.cfg.BackoffMax {
			policy.Reset()
			attempt = 0
		}
		attempt++
		if stop := m.waitBackoff(ctx, policy, attempt); stop != nil {
			return stop
		}
	}
}

func (m *Manager) fatal(reason string) error {
	m.setState(StateDisconnected, func(s *Status) {
		s.Fatal = reason
	})
	m.logger.Error("Websocket auth failure: %s; not retrying", reason)
	return ErrAuth
}

func (m *Manager) waitBackoff(ctx context.Context, policy *backoff.ExponentialBackOff, attempt int) error {
	wait := policy.NextBackOff()
	retryAt := m.now().Add(wait)
	m.setState(StateBackoff, func(s *Status) {
		s.Attempt = attempt
		s.RetryAt = retryAt
	})
	m.logger.Info("Reconnecting in %s (attempt %d)", wait, attempt)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		m.setState(StateDisconnected, nil)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// serve pumps frames from an established connection until it fails or ctx is
// cancelled. Heartbeat pings go out on a fixed cadence; a missed pong trips
// the read deadline and forces a reconnect.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	deadline := 2*m.cfg.HeartbeatInterval + m.cfg.HeartbeatInterval/2
	_ = conn.SetReadDeadline(m.now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(m.now().Add(deadline))
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go m.heartbeat(pingCtx, conn)

	// ReadMessage has no context; closing the conn is the only way to
	// unblock it when shutdown is requested.
	go func() {
		<-pingCtx.Done()
		_ = conn.Close()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		_ = conn.SetReadDeadline(m.now().Add(deadline))
		if err := m.handleFrame(ctx, data); err != nil {
			return err
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, m.now().Add(5*time.Second)); err != nil {
				m.logger.Debug("Heartbeat ping failed: %v", err)
				return
			}
		}
	}
}
