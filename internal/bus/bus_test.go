package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hollowoak/scbusd/internal/connection"
	"github.com/hollowoak/scbusd/internal/handler"
	"github.com/hollowoak/scbusd/internal/ids"
	"github.com/hollowoak/scbusd/internal/transport"
)

// fakeAdapter is an in-memory transport.Adapter used to drive the bus's
// poll loop in tests without any real I/O.
type fakeAdapter struct {
	mu sync.Mutex

	pending []transport.ReadResult
	echoes  []ids.Event
	writes  []ids.Event

	// writeFailures pops one bool per WriteEvent call (true = fail); once
	// exhausted, WriteEvent always succeeds.
	writeFailures []bool
}

func (f *fakeAdapter) ReadEvents() []transport.ReadResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakeAdapter) WriteEvent(id ids.Identifier, data1, data2 uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, ids.Event{ID: id, Data1: data1, Data2: data2})
	if len(f.writeFailures) > 0 {
		fail := f.writeFailures[0]
		f.writeFailures = f.writeFailures[1:]
		if fail {
			return fmt.Errorf("fake write failure")
		}
	}
	return nil
}

func (f *fakeAdapter) EchoEvent(id ids.Identifier, data1, data2 uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.echoes = append(f.echoes, ids.Event{ID: id, Data1: data1, Data2: data2})
	return nil
}

func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) queue(r transport.ReadResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, r)
}

func (f *fakeAdapter) echoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.echoes)
}

func (f *fakeAdapter) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// fakeHandler records every Dispatch it receives.
type fakeHandler struct {
	mu        sync.Mutex
	dispatchC chan handler.Dispatch
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{dispatchC: make(chan handler.Dispatch, 32)}
}

func (h *fakeHandler) HandleDispatch(d handler.Dispatch) { h.dispatchC <- d }
func (h *fakeHandler) HandleRequest(r handler.Request) handler.Reply {
	return handler.Success("unused")
}
func (h *fakeHandler) GetItem(id ids.Identifier) (ids.DescriptivePair, bool) {
	return ids.DescriptivePair{}, false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func mustID(t *testing.T, v uint32) ids.Identifier {
	t.Helper()
	id, ok := ids.New(v)
	if !ok {
		t.Fatalf("New(%d) unexpectedly rejected", v)
	}
	return id
}

func newTestBus(t *testing.T, identity ids.GameIdentity, adapters map[string]*fakeAdapter, order []string) *Bus {
	t.Helper()
	h := newFakeHandler()
	b := New(Config{
		Logger:       quietLogger(),
		Handler:      h,
		PollInterval: 10 * time.Millisecond,
		Identity:     identity,
	})
	named := make(map[string]transport.Adapter, len(adapters))
	for name, a := range adapters {
		named[name] = a
	}
	set := connection.NewSetFromAdapters(order, named)
	b.mu.Lock()
	b.set = set
	b.state = StateRunning
	b.updates = make(chan update, 32)
	b.done = make(chan struct{})
	b.mu.Unlock()
	return b
}

func TestEchoFanOutAndDispatch(t *testing.T) {
	a := &fakeAdapter{}
	bAdapter := &fakeAdapter{}
	c := &fakeAdapter{}
	adapters := map[string]*fakeAdapter{"a": a, "b": bAdapter, "c": c}

	bus := newTestBus(t, ids.NewGameIdentity(7), adapters, []string{"a", "b", "c"})
	fh := bus.handler.(*fakeHandler)

	a.queue(transport.Normal(mustID(t, 42), 7, 0))
	bus.pollOnce()

	if got := bAdapter.echoCount(); got != 1 {
		t.Fatalf("b echo count = %d, want 1", got)
	}
	if got := c.echoCount(); got != 1 {
		t.Fatalf("c echo count = %d, want 1", got)
	}
	if got := a.echoCount(); got != 0 {
		t.Fatalf("a should not echo to itself, got %d", got)
	}

	select {
	case d := <-fh.dispatchC:
		if d.Event.ID.Value() != 42 || d.Broadcast || !d.CheckScene {
			t.Fatalf("unexpected dispatch: %+v", d)
		}
	default:
		t.Fatal("expected a dispatch to the handler")
	}
}

func TestIdentityFilterDropsMismatch(t *testing.T) {
	a := &fakeAdapter{}
	bAdapter := &fakeAdapter{}
	adapters := map[string]*fakeAdapter{"a": a, "b": bAdapter}

	bus := newTestBus(t, ids.NewGameIdentity(7), adapters, []string{"a", "b"})
	fh := bus.handler.(*fakeHandler)

	a.queue(transport.Normal(mustID(t, 42), 9, 0))
	bus.pollOnce()

	if got := bAdapter.echoCount(); got != 1 {
		t.Fatalf("echo should still propagate on identity mismatch, got %d", got)
	}
	select {
	case d := <-fh.dispatchC:
		t.Fatalf("handler should not receive a dispatch for a mismatched identity: %+v", d)
	default:
	}
}

func TestBroadcastRetrySucceedsWithoutHandlerError(t *testing.T) {
	a := &fakeAdapter{}
	bAdapter := &fakeAdapter{writeFailures: []bool{true, false}}
	c := &fakeAdapter{}
	adapters := map[string]*fakeAdapter{"a": a, "b": bAdapter, "c": c}

	var updates []handler.Update
	var mu sync.Mutex
	bus := newTestBus(t, ids.Unfiltered(), adapters, []string{"a", "b", "c"})
	bus.onUpdate = func(u handler.Update) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	}

	bus.mu.Lock()
	set := bus.set
	bus.mu.Unlock()
	bus.broadcastToAll(set, update{id: mustID(t, 99), data: uint32Ptr(3)})

	if got := a.writeCount(); got != 1 {
		t.Fatalf("a write count = %d, want 1", got)
	}
	if got := c.writeCount(); got != 1 {
		t.Fatalf("c write count = %d, want 1", got)
	}
	if got := bAdapter.writeCount(); got != 2 {
		t.Fatalf("b write count = %d, want 2 (initial + retry)", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 0 {
		t.Fatalf("no error should be dispatched on a retry that ultimately succeeds, got %+v", updates)
	}
}

func TestBroadcastPersistentFailureLogsError(t *testing.T) {
	a := &fakeAdapter{}
	bAdapter := &fakeAdapter{writeFailures: []bool{true, true}}
	adapters := map[string]*fakeAdapter{"a": a, "b": bAdapter}

	var updates []handler.Update
	var mu sync.Mutex
	bus := newTestBus(t, ids.Unfiltered(), adapters, []string{"a", "b"})
	bus.onUpdate = func(u handler.Update) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	}

	bus.mu.Lock()
	set := bus.set
	bus.mu.Unlock()
	bus.broadcastToAll(set, update{id: mustID(t, 99), data: uint32Ptr(3)})

	if got := bAdapter.writeCount(); got != 2 {
		t.Fatalf("b write count = %d, want exactly 2", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 1 || updates[0].Severity != handler.SeverityError {
		t.Fatalf("expected exactly one error Update, got %+v", updates)
	}

	if bus.State() != StateRunning {
		t.Fatalf("bus should remain running after a persistent write failure, got %s", bus.State())
	}
}

func TestStopDuringPollExitsCleanly(t *testing.T) {
	a := &fakeAdapter{}
	adapters := map[string]*fakeAdapter{"a": a}
	bus := newTestBus(t, ids.Unfiltered(), adapters, []string{"a"})

	bus.Stop()
	if stopped := bus.drainUpdate(context.Background()); !stopped {
		t.Fatal("drainUpdate should report stop after Stop() is called")
	}

	bus.mu.Lock()
	bus.state = StateIdle
	close(bus.done)
	bus.mu.Unlock()

	bus.Broadcast(mustID(t, 1), nil)
	if got := a.writeCount(); got != 0 {
		t.Fatalf("broadcast after stop should be a no-op, got %d writes", got)
	}
}

func TestUpdateDegradedStartupKeepsSurvivors(t *testing.T) {
	b := New(Config{Logger: quietLogger(), Handler: newFakeHandler(), PollInterval: 5 * time.Millisecond})

	// Media descriptors initialize without touching any hardware; the
	// bogus kind fails, marking the set degraded.
	descriptors := map[string]connection.Descriptor{
		"one":   {Kind: transport.NameMedia},
		"two":   {Kind: "bogus"},
		"three": {Kind: transport.NameMedia},
	}
	degraded, err := b.Update(context.Background(), descriptors, []string{"one", "two", "three"}, ids.Unfiltered())
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !degraded || !b.IsBroken() {
		t.Fatal("expected a degraded result when a descriptor fails to initialize")
	}
	if got := b.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	b.mu.Lock()
	names := b.set.Names()
	b.mu.Unlock()
	if len(names) != 2 || names[0] != "one" || names[1] != "three" {
		t.Fatalf("live set = %v, want [one three]", names)
	}

	// Replacing with an empty set stops the worker and returns the bus
	// to idle; a subsequent broadcast is a no-op.
	if _, err := b.Update(context.Background(), nil, nil, ids.Unfiltered()); err != nil {
		t.Fatalf("Update(empty): %v", err)
	}
	if got := b.State(); got != StateIdle {
		t.Fatalf("state after empty update = %s, want idle", got)
	}
	b.Broadcast(mustID(t, 1), nil)
}

func uint32Ptr(v uint32) *uint32 { return &v }
