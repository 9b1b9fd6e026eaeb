package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"astrbook/internal/pipeline"
)

type recordingSink struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (s *recordingSink) Handle(_ context.Context, ev pipeline.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) snapshot() []pipeline.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Event(nil), s.events...)
}

// fakeConn replays scripted frames, then fails the read.
type fakeConn struct {
	frames chan []byte
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{frames: make(chan []byte, len(frames))}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	close(c.frames)
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.frames
	if !ok {
		return 0, nil, errors.New("connection reset")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}
func (c *fakeConn) Close() error                              { return nil }

func newTestManager(t *testing.T, sink Sink, cfg Config) *Manager {
	t.Helper()
	if cfg.WSURL == "" {
		cfg.WSURL = "wss://forum.test/ws/bot"
	}
	if cfg.Token == "" {
		cfg.Token = "tok"
	}
	m, err := NewManager(cfg, sink, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	dials := 0
	m := newTestManager(t, &recordingSink{}, Config{})
	m.SetDialer(func(context.Context, string) (Conn, *http.Response, error) {
		dials++
		return nil, &http.Response{StatusCode: http.StatusUnauthorized}, errors.New("bad handshake")
	})

	err := m.Run(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if dials != 1 {
		t.Fatalf("expected a single dial attempt, got %d", dials)
	}
	status := m.Status()
	if status.Fatal == "" {
		t.Fatal("expected fatal status to be surfaced")
	}
	if status.State != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", status.State)
	}
}

func TestBackoffGrowsThenResetsAfterReconnect(t *testing.T) {
	base := 50 * time.Millisecond
	max := 250 * time.Millisecond

	var mu sync.Mutex
	var dialTimes []time.Time
	failures := 3

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, &recordingSink{}, Config{BackoffBase: base, BackoffMax: max})
	m.SetDialer(func(context.Context, string) (Conn, *http.Response, error) {
		mu.Lock()
		dialTimes = append(dialTimes, time.Now())
		n := len(dialTimes)
		mu.Unlock()
		if n <= failures {
			return nil, nil, errors.New("socket error")
		}
		// Successful connect; end the run once the conn drops.
		cancel()
		return newFakeConn(), nil, nil
	})

	err := m.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dialTimes) != failures+1 {
		t.Fatalf("expected %d dial attempts, got %d", failures+1, len(dialTimes))
	}
	// Waits between attempts grow strictly: ~base, ~2*base, ~4*base.
	var deltas []time.Duration
	for i := 1; i < len(dialTimes); i++ {
		deltas = append(deltas, dialTimes[i].Sub(dialTimes[i-1]))
	}
	for i := 1; i < len(deltas); i++ {
		if deltas[i] <= deltas[i-1] {
			t.Fatalf("expected strictly increasing backoff, got %v", deltas)
		}
	}
	if deltas[0] < base/2 {
		t.Fatalf("first backoff %v shorter than base %v", deltas[0], base)
	}
	if last := deltas[len(deltas)-1]; last > max+base {
		t.Fatalf("backoff %v exceeded cap %v", last, max)
	}
}

func TestServeParsesFramesIntoEvents(t *testing.T) {
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dials := 0
	m := newTestManager(t, sink, Config{BackoffBase: 10 * time.Millisecond})
	m.SetDialer(func(context.Context, string) (Conn, *http.Response, error) {
		dials++
		if dials > 1 {
			cancel()
			return nil, nil, errors.New("stop")
		}
		return newFakeConn(
			`{"type":"connected","user_id":99,"message":"astro-bot"}`,
			`{"type":"mention","id":11,"thread_id":5,"thread_title":"hello","reply_id":2,"from_username":"alice","content":"@bot hi","timestamp":1700000000}`,
			`{"type":"sub_reply","id":12,"thread_id":5,"from_username":"bob","content":"me too"}`,
			`this is not json`,
			`{"type":"new_thread","thread_id":9,"thread_title":"fresh","author":"carol"}`,
		), nil, nil
	})

	_ = m.Run(ctx)

	events := sink.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != pipeline.KindMention || events[0].ID != "n-11" || events[0].Author != "alice" {
		t.Fatalf("unexpected mention event: %+v", events[0])
	}
	if events[0].Origin != pipeline.OriginLive {
		t.Fatalf("expected live origin, got %s", events[0].Origin)
	}
	if events[1].Kind != pipeline.KindReplyToOwn {
		t.Fatalf("expected reply_to_own for sub_reply, got %s", events[1].Kind)
	}
	if events[2].Kind != pipeline.KindGeneric || events[2].Author != "carol" {
		t.Fatalf("unexpected new_thread event: %+v", events[2])
	}
	if got := m.Status().BotUserID; got != 99 {
		t.Fatalf("expected bot user id 99 from connected frame, got %d", got)
	}
}

func TestAuthFrameMidSessionIsTerminal(t *testing.T) {
	m := newTestManager(t, &recordingSink{}, Config{BackoffBase: 10 * time.Millisecond})
	m.SetDialer(func(context.Context, string) (Conn, *http.Response, error) {
		return newFakeConn(`{"type":"unauthorized","message":"token expired"}`), nil, nil
	})

	err := m.Run(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestEventFromWireDerivesKeyWhenServerOmitsID(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ev := eventFromWire(wireMessage{Type: "reply", ThreadID: 3, ReplyID: 4}, pipeline.KindReplyToOwn, now)
	if ev.ID != "" {
		t.Fatalf("expected empty server id, got %q", ev.ID)
	}
	key := ev.DedupKey()
	want := fmt.Sprintf("%s-3-4-%d", pipeline.KindReplyToOwn, now.Unix())
	if key != want {
		t.Fatalf("derived key %q, want %q", key, want)
	}
}

// blockingConn models a healthy socket with nothing to read: ReadMessage
// blocks until the connection is closed.
type blockingConn struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{closed: make(chan struct{})}
}

func (c *blockingConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("use of closed network connection")
}

func (c *blockingConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *blockingConn) SetReadDeadline(time.Time) error           { return nil }
func (c *blockingConn) SetPongHandler(func(string) error)         {}

func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestCancellationUnblocksIdleRead(t *testing.T) {
	m := newTestManager(t, &recordingSink{}, Config{})
	connected := make(chan struct{}, 1)
	m.SetDialer(func(context.Context, string) (Conn, *http.Response, error) {
		select {
		case connected <- struct{}{}:
		default:
		}
		return newBlockingConn(), nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("manager never connected")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after cancellation with an idle read")
	}
}
