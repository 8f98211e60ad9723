// Package bus implements the System Connection Bus: it polls every
// configured transport adapter at a bounded cadence, echoes inbound
// events to every other adapter, filters them by game identity, and
// dispatches surviving events to the internal event handler. Outbound
// broadcasts are written to every adapter with a single retry per
// adapter on failure.
//
// Events read off a connection are never automatically rebroadcast
// back out: every dispatch built here carries Broadcast: false.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hollowoak/scbusd/internal/connection"
	"github.com/hollowoak/scbusd/internal/handler"
	"github.com/hollowoak/scbusd/internal/ids"
	"github.com/hollowoak/scbusd/internal/transport"
)

// update is either a broadcast request or an instruction to stop the
// poll loop.
type update struct {
	stop  bool
	id    ids.Identifier
	data  *uint32
}

// State reports the bus's run-loop lifecycle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Bus owns a connection.Set and runs its poll loop.
type Bus struct {
	logger   *slog.Logger
	handler  handler.Handler
	onUpdate func(handler.Update)

	pollInterval time.Duration
	identity     ids.GameIdentity

	mu       sync.Mutex
	state    State
	set      *connection.Set
	isBroken bool
	updates  chan update
	done     chan struct{}
}

// Config configures a Bus.
type Config struct {
	Logger       *slog.Logger
	Handler      handler.Handler
	PollInterval time.Duration
	Identity     ids.GameIdentity
	// OnUpdate, if set, receives every Update the bus emits
	// (communication errors, identity mismatches). Used to fan updates
	// out to the webapi websocket listeners.
	OnUpdate func(handler.Update)
}

// New builds an idle Bus. Call Update (or the blocking Start) to
// initialize connections and begin polling.
func New(cfg Config) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.OnUpdate == nil {
		cfg.OnUpdate = func(handler.Update) {}
	}
	return &Bus{
		logger:       cfg.Logger.With("component", "bus"),
		handler:      cfg.Handler,
		onUpdate:     cfg.OnUpdate,
		pollInterval: cfg.PollInterval,
		identity:     cfg.Identity,
		state:        StateIdle,
	}
}

// SetHandler assigns the Handler the bus dispatches identity-filtered
// events to. Used by cmd/scbusd, where the reference Handler is
// constructed with the bus itself as its Broadcaster and so must be
// built after the bus.
func (b *Bus) SetHandler(h handler.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// IsBroken reports whether one or more configured connections failed to
// initialize. The bus still runs with whichever connections succeeded.
func (b *Bus) IsBroken() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isBroken
}

// State reports the current run-loop lifecycle state.
func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Update idempotently replaces the live connection set: it stops the
// current worker (if any), waits for it to release its adapters, and
// brings up a fresh worker with the new set. An empty order leaves the
// bus idle. The returned flag reports whether any descriptor failed to
// initialize; the bus still runs with whichever connections succeeded.
func (b *Bus) Update(ctx context.Context, descriptors map[string]connection.Descriptor, order []string, identity ids.GameIdentity) (bool, error) {
	b.Stop()
	b.Wait()

	b.mu.Lock()
	b.identity = identity
	b.mu.Unlock()

	if len(order) == 0 {
		return false, nil
	}

	broken, err := b.bringUp(ctx, descriptors, order)
	if err != nil {
		return false, err
	}

	go func() {
		b.runLoop(ctx)
		b.finish()
	}()
	return broken, nil
}

// Start initializes the configured connections and runs the poll loop
// until ctx is canceled or Stop is called. It blocks until the loop
// exits, so callers typically run it in its own goroutine.
func (b *Bus) Start(ctx context.Context, descriptors map[string]connection.Descriptor, order []string) error {
	b.mu.Lock()
	identity := b.identity
	b.mu.Unlock()

	if _, err := b.Update(ctx, descriptors, order, identity); err != nil {
		return err
	}
	b.Wait()
	return nil
}

func (b *Bus) bringUp(ctx context.Context, descriptors map[string]connection.Descriptor, order []string) (bool, error) {
	set, broken, err := connection.NewSet(ctx, descriptors, order, b.logger)
	if err != nil {
		return false, fmt.Errorf("bus: build connection set: %w", err)
	}

	b.mu.Lock()
	b.set = set
	b.isBroken = broken
	b.state = StateRunning
	b.updates = make(chan update, 32)
	b.done = make(chan struct{})
	b.mu.Unlock()

	if broken {
		b.logger.Error("Unable To Reach One Or More System Connections.")
	}
	return broken, nil
}

// finish releases the worker's adapters and returns the bus to idle.
// Called by the worker goroutine itself after runLoop exits.
func (b *Bus) finish() {
	b.mu.Lock()
	set := b.set
	b.set = nil
	b.updates = nil
	b.state = StateIdle
	close(b.done)
	b.mu.Unlock()

	if set != nil {
		if err := set.CloseAll(); err != nil {
			b.logger.Error("error closing connections", "error", err)
		}
	}
}

// Broadcast queues an event for delivery to every adapter. data, if
// non-nil, becomes the event's data2 field; the bus's configured game
// identity (or zero, if unset) becomes data1, so outgoing events are
// stamped with the local game id.
func (b *Bus) Broadcast(id ids.Identifier, data *uint32) {
	b.mu.Lock()
	ch := b.updates
	broken := b.isBroken
	b.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- update{id: id, data: data}:
	default:
		b.logger.Warn("bus update queue full, dropping broadcast", "id", id.Value())
	}
	if broken {
		b.logger.Error("Unable To Reach One Or More System Connections.")
	}
}

// Stop signals the poll loop to exit after its current iteration. A
// no-op when the bus is idle.
func (b *Bus) Stop() {
	b.mu.Lock()
	ch := b.updates
	done := b.done
	if ch != nil {
		b.state = StateStopping
	}
	b.mu.Unlock()
	if ch == nil {
		return
	}
	// The worker drains one queued update per iteration, so a full
	// queue only delays the stop signal; the done case covers a worker
	// that already exited some other way.
	select {
	case ch <- update{stop: true}:
	case <-done:
	}
}

// Wait blocks until the run loop has exited.
func (b *Bus) Wait() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}

func (b *Bus) runLoop(ctx context.Context) {
	for {
		loopStart := time.Now()

		if ctx.Err() != nil {
			return
		}

		b.pollOnce()

		if b.drainUpdate(ctx) {
			return
		}

		if elapsed := time.Since(loopStart); elapsed < b.pollInterval {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.pollInterval - elapsed):
			}
		}
	}
}

// pollOnce reads every connection once, echoes normal results to every
// other connection, and dispatches identity-filtered events to the
// handler. Read/write errors surface as Update log entries.
func (b *Bus) pollOnce() {
	b.mu.Lock()
	set := b.set
	b.mu.Unlock()
	if set == nil {
		return
	}

	for _, name := range set.Names() {
		adapter, ok := set.Get(name)
		if !ok {
			continue
		}
		for _, result := range adapter.ReadEvents() {
			b.handleResult(set, name, result)
		}
	}
}

func (b *Bus) handleResult(set *connection.Set, source string, result transport.ReadResult) {
	switch result.Kind {
	case transport.ResultNormal:
		event := result.Event
		for _, other := range set.Others(source) {
			adapter, ok := set.Get(other)
			if !ok {
				continue
			}
			_ = adapter.EchoEvent(event.ID, event.Data1, event.Data2)
		}

		if b.identity.Matches(event.Data1) {
			b.handler.HandleDispatch(handler.Dispatch{
				Event:       event,
				CheckScene:  true,
				Broadcast:   false,
				ReceiveTime: time.Now(),
			})
		} else {
			msg := fmt.Sprintf("Game Id Does Not Match. Event Ignored. (%d)", event.ID.Value())
			b.logger.Warn(msg)
			b.emitUpdate(handler.SeverityWarning, msg)
		}

	case transport.ResultWriteError:
		msg := fmt.Sprintf("Communication Write Error: %v", result.Err)
		b.logger.Error(msg)
		b.emitUpdate(handler.SeverityError, msg)

	case transport.ResultReadError:
		msg := fmt.Sprintf("Communication Read Error: %v", result.Err)
		b.logger.Error(msg)
		b.emitUpdate(handler.SeverityError, msg)
	}
}

// drainUpdate consumes at most one pending update per loop iteration.
// It returns true when the loop should stop.
func (b *Bus) drainUpdate(_ context.Context) bool {
	b.mu.Lock()
	ch := b.updates
	set := b.set
	b.mu.Unlock()
	if ch == nil {
		return false
	}

	select {
	case u := <-ch:
		if u.stop {
			return true
		}
		b.broadcastToAll(set, u)
		return false
	default:
		return false
	}
}

func (b *Bus) broadcastToAll(set *connection.Set, u update) {
	if set == nil {
		return
	}
	gameID, _ := b.identity.Value()
	data2 := uint32(0)
	if u.data != nil {
		data2 = *u.data
	}

	for _, name := range set.Names() {
		adapter, ok := set.Get(name)
		if !ok {
			continue
		}
		if err := adapter.WriteEvent(u.id, gameID, data2); err != nil {
			// A single transient failure is common and not surfaced to
			// the handler as an Update; only a failure that survives the
			// retry below reaches the handler.
			b.logger.Error(fmt.Sprintf("Communication Error: %v", err))

			time.Sleep(b.pollInterval)

			if err2 := adapter.WriteEvent(u.id, gameID, data2); err2 != nil {
				msg2 := fmt.Sprintf("Persistent Communication Error: %v", err2)
				b.logger.Error(msg2)
				b.emitUpdate(handler.SeverityError, msg2)
			}
		}
	}
}

func (b *Bus) emitUpdate(sev handler.Severity, msg string) {
	b.onUpdate(handler.Update{Severity: sev, Message: msg, At: time.Now()})
}
