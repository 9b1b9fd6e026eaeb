package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"astrbook/internal/journal"
	"astrbook/internal/persona"
	"astrbook/internal/session"
)

type recordingDispatcher struct {
	requests []DispatchRequest
	err      error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req DispatchRequest) error {
	d.requests = append(d.requests, req)
	return d.err
}

type fixture struct {
	pipeline   *Pipeline
	journal    *journal.Journal
	personas   *persona.State
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "memory.jsonl"), 10)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	personas := persona.NewState(persona.NewStaticRegistry([]persona.Persona{{Name: "scholar"}}))
	dispatcher := &recordingDispatcher{}
	p, err := New(cfg, j, personas, session.New("test"), dispatcher, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return &fixture{pipeline: p, journal: j, personas: personas, dispatcher: dispatcher}
}

func mentionEvent(id string) Event {
	return Event{
		ID:          id,
		Kind:        KindMention,
		ThreadID:    42,
		ThreadTitle: "greetings",
		ReplyID:     7,
		Author:      "alice",
		Content:     "hey @bot what do you think?",
		Timestamp:   time.Unix(1_700_000_000, 0),
		Origin:      OriginLive,
	}
}

func TestDuplicateIDYieldsOneRecordAndOneDispatch(t *testing.T) {
	f := newFixture(t, Config{ReplyProbability: 1, AutoReplyMentions: true, DedupWindow: 16})
	ev := mentionEvent("n-1")
	for i := 0; i < 3; i++ {
		if err := f.pipeline.Handle(context.Background(), ev); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if got := f.journal.Len(); got != 1 {
		t.Fatalf("expected exactly one journal record, got %d", got)
	}
	if len(f.dispatcher.requests) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(f.dispatcher.requests))
	}
	stats := f.pipeline.Stats()
	if stats.Duplicates != 2 {
		t.Fatalf("expected 2 duplicates counted, got %d", stats.Duplicates)
	}
}

func TestZeroProbabilityNeverDispatches(t *testing.T) {
	f := newFixture(t, Config{ReplyProbability: 0, AutoReplyMentions: true, DedupWindow: 64})
	for i := 0; i < 50; i++ {
		ev := mentionEvent("")
		ev.ReplyID = int64(i)
		ev.Timestamp = time.Unix(int64(1_700_000_000+i), 0)
		if err := f.pipeline.Handle(context.Background(), ev); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if len(f.dispatcher.requests) != 0 {
		t.Fatalf("expected no dispatches with probability 0, got %d", len(f.dispatcher.requests))
	}
	if f.journal.Len() != 10 {
		t.Fatalf("expected journal at capacity 10, got %d", f.journal.Len())
	}
}

func TestUnitProbabilityAlwaysDispatches(t *testing.T) {
	f := newFixture(t, Config{ReplyProbability: 1, AutoReplyMentions: true, DedupWindow: 64})
	for i := 0; i < 20; i++ {
		ev := mentionEvent("")
		ev.ReplyID = int64(i)
		if err := f.pipeline.Handle(context.Background(), ev); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if len(f.dispatcher.requests) != 20 {
		t.Fatalf("expected 20 dispatches with probability 1, got %d", len(f.dispatcher.requests))
	}
}

func TestSeededGateSplitsPendingAndDispatch(t *testing.T) {
	f := newFixture(t, Config{ReplyProbability: 0.3, AutoReplyMentions: true, DedupWindow: 64})
	samples := []float64{0.1, 0.9, 0.29, 0.3, 0.5}
	i := 0
	f.pipeline.SetRandom(func() float64 { s := samples[i]; i++; return s })

	for n := 0; n < len(samples); n++ {
		ev := mentionEvent("")
		ev.ReplyID = int64(n + 100)
		if err := f.pipeline.Handle(context.Background(), ev); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	// Samples 0.1 and 0.29 are below 0.3; the rest leave events pending.
	if len(f.dispatcher.requests) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(f.dispatcher.requests))
	}
	stats := f.pipeline.Stats()
	if stats.Pending != 3 {
		t.Fatalf("expected 3 pending, got %d", stats.Pending)
	}
	if f.journal.Len() != 5 {
		t.Fatalf("expected all 5 events recorded, got %d", f.journal.Len())
	}
}

func TestDispatchUsesCurrentPersonaSnapshot(t *testing.T) {
	f := newFixture(t, Config{ReplyProbability: 1, AutoReplyMentions: true, DedupWindow: 16})

	if err := f.pipeline.Handle(context.Background(), mentionEvent("before")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := f.personas.Switch(context.Background(), "scholar"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := f.pipeline.Handle(context.Background(), mentionEvent("after")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(f.dispatcher.requests) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(f.dispatcher.requests))
	}
	if f.dispatcher.requests[0].Persona.Set {
		t.Fatalf("first dispatch should use unset persona, got %+v", f.dispatcher.requests[0].Persona)
	}
	second := f.dispatcher.requests[1].Persona
	if !second.Set || second.Name != "scholar" {
		t.Fatalf("second dispatch should use scholar, got %+v", second)
	}
}

func TestBrowseAndGenericEventsAreNeverDispatched(t *testing.T) {
	f := newFixture(t, Config{ReplyProbability: 1, AutoReplyMentions: true, DedupWindow: 16})

	browse := mentionEvent("browse-1")
	browse.Origin = OriginBrowse
	generic := mentionEvent("generic-1")
	generic.Kind = KindGeneric

	for _, ev := range []Event{browse, generic} {
		if err := f.pipeline.Handle(context.Background(), ev); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if len(f.dispatcher.requests) != 0 {
		t.Fatalf("expected no dispatches, got %d", len(f.dispatcher.requests))
	}
	if f.journal.Len() != 2 {
		t.Fatalf("expected both events recorded, got %d", f.journal.Len())
	}
}

func TestDispatchFailureLeavesEventPending(t *testing.T) {
	f := newFixture(t, Config{ReplyProbability: 1, AutoReplyMentions: true, DedupWindow: 16})
	f.dispatcher.err = errors.New("engine down")

	if err := f.pipeline.Handle(context.Background(), mentionEvent("n-9")); err != nil {
		t.Fatalf("handle should swallow dispatch errors, got %v", err)
	}
	stats := f.pipeline.Stats()
	if stats.Pending != 1 || stats.Dispatched != 0 {
		t.Fatalf("expected pending=1 dispatched=0, got %+v", stats)
	}
	if f.journal.Len() != 1 {
		t.Fatalf("expected event still recorded, got %d", f.journal.Len())
	}
}

func TestAutoReplyDisabledLeavesPending(t *testing.T) {
	f := newFixture(t, Config{ReplyProbability: 1, AutoReplyMentions: false, DedupWindow: 16})
	if err := f.pipeline.Handle(context.Background(), mentionEvent("n-2")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.dispatcher.requests) != 0 {
		t.Fatal("expected no dispatch when auto reply is disabled")
	}
	if f.pipeline.Stats().Pending != 1 {
		t.Fatalf("expected pending=1, got %+v", f.pipeline.Stats())
	}
}

func TestDerivedDedupKeyIsStable(t *testing.T) {
	ev := mentionEvent("")
	other := mentionEvent("")
	if ev.DedupKey() != other.DedupKey() {
		t.Fatalf("expected identical derived keys, got %q vs %q", ev.DedupKey(), other.DedupKey())
	}
	other.ReplyID = 8
	if ev.DedupKey() == other.DedupKey() {
		t.Fatal("expected different keys for different reply ids")
	}
}
