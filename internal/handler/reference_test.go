package handler

import (
	"testing"
	"time"

	"github.com/hollowoak/scbusd/internal/ids"
)

// fakeBus records broadcasts and stop calls.
type fakeBus struct {
	broadcasts []ids.Identifier
	stopped    bool
}

func (f *fakeBus) Broadcast(id ids.Identifier, data *uint32) {
	f.broadcasts = append(f.broadcasts, id)
}

func (f *fakeBus) Stop() { f.stopped = true }

// fakeScheduler records which scheduling operation was invoked.
type fakeScheduler struct {
	scheduled   []uint32
	rescheduled []uint32
	adjusted    []time.Duration
	cleared     int
}

func (f *fakeScheduler) ScheduleOnce(eventID uint32, data *uint32, delay time.Duration) error {
	f.scheduled = append(f.scheduled, eventID)
	return nil
}

func (f *fakeScheduler) RescheduleEvent(eventID uint32, startTime time.Time, newDelay *time.Duration) error {
	f.rescheduled = append(f.rescheduled, eventID)
	return nil
}

func (f *fakeScheduler) AdjustAll(delta time.Duration) error {
	f.adjusted = append(f.adjusted, delta)
	return nil
}

func (f *fakeScheduler) ClearPending() error {
	f.cleared++
	return nil
}

func mustID(t *testing.T, v uint32) ids.Identifier {
	t.Helper()
	id, ok := ids.New(v)
	if !ok {
		t.Fatalf("New(%d) unexpectedly rejected", v)
	}
	return id
}

func newTestReference(t *testing.T) (*Reference, *fakeBus, *fakeScheduler) {
	t.Helper()
	bus := &fakeBus{}
	sched := &fakeScheduler{}
	h := NewReference(nil, bus, nil)
	h.SetScheduler(sched)
	return h, bus, sched
}

func TestAllStopBroadcastsSentinel(t *testing.T) {
	h, bus, _ := newTestReference(t)

	reply := h.HandleRequest(Request{Kind: KindAllStop})
	if !reply.Success {
		t.Fatalf("reply = %+v, want success", reply)
	}
	if len(bus.broadcasts) != 1 || bus.broadcasts[0].Value() != ids.AllStop {
		t.Fatalf("broadcasts = %v, want one AllStop", bus.broadcasts)
	}
}

func TestCueEventImmediateBroadcasts(t *testing.T) {
	h, bus, sched := newTestReference(t)

	reply := h.HandleRequest(Request{
		Kind:       KindCueEvent,
		EventDelay: EventDelay{Event: mustID(t, 42)},
	})
	if !reply.Success {
		t.Fatalf("reply = %+v, want success", reply)
	}
	if len(bus.broadcasts) != 1 || bus.broadcasts[0].Value() != 42 {
		t.Fatalf("broadcasts = %v, want event 42", bus.broadcasts)
	}
	if len(sched.scheduled) != 0 {
		t.Fatalf("an immediate cue should not hit the scheduler, got %v", sched.scheduled)
	}
}

func TestCueEventDelayedSchedules(t *testing.T) {
	h, bus, sched := newTestReference(t)

	delay := 5 * time.Second
	reply := h.HandleRequest(Request{
		Kind:       KindCueEvent,
		EventDelay: EventDelay{Event: mustID(t, 42), Delay: &delay},
	})
	if !reply.Success {
		t.Fatalf("reply = %+v, want success", reply)
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0] != 42 {
		t.Fatalf("scheduled = %v, want event 42", sched.scheduled)
	}
	if len(bus.broadcasts) != 0 {
		t.Fatalf("a delayed cue should not broadcast immediately, got %v", bus.broadcasts)
	}
}

func TestCueEventDelayedWithoutSchedulerFails(t *testing.T) {
	bus := &fakeBus{}
	h := NewReference(nil, bus, nil)

	delay := 5 * time.Second
	reply := h.HandleRequest(Request{
		Kind:       KindCueEvent,
		EventDelay: EventDelay{Event: mustID(t, 42), Delay: &delay},
	})
	if reply.Success {
		t.Fatalf("reply = %+v, want failure without a scheduler", reply)
	}
}

func TestEventChangeReschedules(t *testing.T) {
	h, _, sched := newTestReference(t)

	reply := h.HandleRequest(Request{
		Kind:      KindEventChange,
		EventID:   mustID(t, 42),
		StartTime: time.Now(),
	})
	if !reply.Success {
		t.Fatalf("reply = %+v, want success", reply)
	}
	if len(sched.rescheduled) != 1 || sched.rescheduled[0] != 42 {
		t.Fatalf("rescheduled = %v, want event 42", sched.rescheduled)
	}
}

func TestAllEventChangeNegatesAdjustment(t *testing.T) {
	h, _, sched := newTestReference(t)

	reply := h.HandleRequest(Request{
		Kind:       KindAllEventChange,
		Adjustment: 10 * time.Second,
		IsNegative: true,
	})
	if !reply.Success {
		t.Fatalf("reply = %+v, want success", reply)
	}
	if len(sched.adjusted) != 1 || sched.adjusted[0] != -10*time.Second {
		t.Fatalf("adjusted = %v, want -10s", sched.adjusted)
	}
}

func TestClearQueueClearsPendingCues(t *testing.T) {
	h, _, sched := newTestReference(t)

	reply := h.HandleRequest(Request{Kind: KindClearQueue})
	if !reply.Success {
		t.Fatalf("reply = %+v, want success", reply)
	}
	if sched.cleared != 1 {
		t.Fatalf("cleared = %d, want 1", sched.cleared)
	}
}

func TestProcessEventWithBroadcastRebroadcasts(t *testing.T) {
	h, bus, _ := newTestReference(t)

	reply := h.HandleRequest(Request{
		Kind:      KindProcessEvent,
		EventID:   mustID(t, 42),
		Broadcast: true,
	})
	if !reply.Success {
		t.Fatalf("reply = %+v, want success", reply)
	}
	if len(bus.broadcasts) != 1 || bus.broadcasts[0].Value() != 42 {
		t.Fatalf("broadcasts = %v, want event 42", bus.broadcasts)
	}
}

func TestCloseStopsBus(t *testing.T) {
	h, bus, _ := newTestReference(t)

	reply := h.HandleRequest(Request{Kind: KindClose})
	if !reply.Success {
		t.Fatalf("reply = %+v, want success", reply)
	}
	if !bus.stopped {
		t.Fatal("expected close request to stop the bus")
	}
}

func TestGetItemUnknownID(t *testing.T) {
	h, _, _ := newTestReference(t)

	if _, ok := h.GetItem(mustID(t, 12345)); ok {
		t.Fatal("expected unknown item lookup to report not-found")
	}
}
