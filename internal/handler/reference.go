package handler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hollowoak/scbusd/internal/ids"
)

// Broadcaster is the narrow bus capability the reference Handler needs:
// queue an event for delivery to every connection.
type Broadcaster interface {
	Broadcast(id ids.Identifier, data *uint32)
	Stop()
}

// CueScheduler is the delayed-cue capability backing the cueEvent,
// eventChange, allEventChange, and clearQueue requests. Satisfied by
// *cueschedule.Scheduler.
type CueScheduler interface {
	ScheduleOnce(eventID uint32, data *uint32, delay time.Duration) error
	RescheduleEvent(eventID uint32, startTime time.Time, newDelay *time.Duration) error
	AdjustAll(delta time.Duration) error
	ClearPending() error
}

// Reference is a minimal Handler backed by an in-memory item registry.
// It does not implement scene/status state-machine logic; it exists to
// give the bus something real to dispatch to and the webapi layer
// something real to call.
type Reference struct {
	logger *slog.Logger
	bus    Broadcaster
	cues   CueScheduler

	mu    sync.Mutex
	items map[uint32]ids.DescriptivePair
	debug bool
}

// NewReference builds a Reference handler seeded with the given item
// registry (id -> description/display), typically loaded from a config
// file by internal/config.
func NewReference(logger *slog.Logger, bus Broadcaster, seed map[uint32]ids.DescriptivePair) *Reference {
	if logger == nil {
		logger = slog.Default()
	}
	items := make(map[uint32]ids.DescriptivePair, len(seed))
	for id, pair := range seed {
		items[id] = pair
	}
	return &Reference{
		logger: logger.With("component", "handler"),
		bus:    bus,
		items:  items,
	}
}

// SetScheduler wires a cue scheduler in. Without one, delayed cueEvent,
// eventChange, and allEventChange requests fail with an explanatory
// reply; clearQueue succeeds, since there is no queue to clear.
func (h *Reference) SetScheduler(cues CueScheduler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cues = cues
}

func (h *Reference) scheduler() CueScheduler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cues
}

// HandleDispatch logs the event. A full installation runs its
// scene/status state machine here.
func (h *Reference) HandleDispatch(d Dispatch) {
	h.logger.Debug("dispatch received",
		"id", d.Event.ID.Value(),
		"data1", d.Event.Data1,
		"data2", d.Event.Data2,
		"checkScene", d.CheckScene,
		"broadcast", d.Broadcast,
	)
}

// HandleRequest implements the request kinds that make sense without a
// scene/status machine: broadcasting, cueing, and rescheduling events,
// all-stop, debug mode, and queue clearing (item lookups go through
// GetItem, not a Request). Kinds that
// depend on a state machine or on-disk config format (SceneChange,
// StatusChange, ConfigFile, SaveConfig, Edit, ErrorLog, GameLog)
// return a failure reply explaining the gap rather than silently doing
// nothing.
func (h *Reference) HandleRequest(r Request) Reply {
	switch r.Kind {
	case KindAllStop:
		h.bus.Broadcast(ids.AllStopID(), nil)
		return Success("all stop broadcast")

	case KindBroadcastEvent:
		h.bus.Broadcast(r.EventID, r.Data)
		return Success("event broadcast")

	case KindCueEvent:
		if r.EventDelay.Delay == nil || *r.EventDelay.Delay == 0 {
			h.bus.Broadcast(r.EventDelay.Event, nil)
			return Success("event cued")
		}
		cues := h.scheduler()
		if cues == nil {
			return Failure("no cue scheduler configured")
		}
		if err := cues.ScheduleOnce(r.EventDelay.Event.Value(), nil, *r.EventDelay.Delay); err != nil {
			return Failure(fmt.Sprintf("schedule cue: %v", err))
		}
		return Success("event scheduled")

	case KindEventChange:
		cues := h.scheduler()
		if cues == nil {
			return Failure("no cue scheduler configured")
		}
		if err := cues.RescheduleEvent(r.EventID.Value(), r.StartTime, r.NewDelay); err != nil {
			return Failure(fmt.Sprintf("reschedule event: %v", err))
		}
		return Success("event rescheduled")

	case KindAllEventChange:
		cues := h.scheduler()
		if cues == nil {
			return Failure("no cue scheduler configured")
		}
		delta := r.Adjustment
		if r.IsNegative {
			delta = -delta
		}
		if err := cues.AdjustAll(delta); err != nil {
			return Failure(fmt.Sprintf("adjust cues: %v", err))
		}
		return Success("all pending events adjusted")

	case KindProcessEvent:
		h.HandleDispatch(Dispatch{
			Event:      ids.Event{ID: r.EventID},
			CheckScene: r.CheckScene,
			Broadcast:  r.Broadcast,
		})
		if r.Broadcast {
			h.bus.Broadcast(r.EventID, nil)
		}
		return Success("event processed")

	case KindDebugMode:
		h.mu.Lock()
		h.debug = r.IsDebug
		h.mu.Unlock()
		return Success(fmt.Sprintf("debug mode set to %v", r.IsDebug))

	case KindClearQueue:
		if cues := h.scheduler(); cues != nil {
			if err := cues.ClearPending(); err != nil {
				return Failure(fmt.Sprintf("clear queue: %v", err))
			}
		}
		return Success("queue cleared")

	case KindRedraw:
		return Success("redraw requested")

	case KindClose:
		h.bus.Stop()
		return Success("shutting down")

	case KindSceneChange, KindStatusChange, KindConfigFile, KindSaveConfig,
		KindEdit, KindErrorLog, KindGameLog:
		return Failure(fmt.Sprintf("%s is not implemented by this handler", r.Kind))

	default:
		return Failure(fmt.Sprintf("unknown request kind %q", r.Kind))
	}
}

// GetItem returns the descriptive pair registered for id. The second
// return is false when the id is unknown; callers still receive a
// zero-valued pair they can render.
func (h *Reference) GetItem(id ids.Identifier) (ids.DescriptivePair, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pair, ok := h.items[id.Value()]
	return pair, ok
}
