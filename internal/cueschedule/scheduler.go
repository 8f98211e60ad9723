package cueschedule

import (
	"log/slog"
	"sync"
	"time"
)

// BroadcastFunc fires a cue's event. It mirrors bus.Bus.Broadcast so the
// scheduler can be wired directly to a *bus.Bus without an import cycle.
type BroadcastFunc func(eventID uint32, data *uint32)

// Scheduler manages cue timers and fires them through a BroadcastFunc.
type Scheduler struct {
	logger    *slog.Logger
	store     *Store
	broadcast BroadcastFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup
}

// New creates a cue scheduler backed by store, firing cues through
// broadcast.
func New(logger *slog.Logger, store *Store, broadcast BroadcastFunc) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:    logger.With("component", "cueschedule"),
		store:     store,
		broadcast: broadcast,
		timers:    make(map[string]*time.Timer),
	}
}

// Start loads every enabled cue from the store, schedules its next
// timer, and replays any firings left pending by an unclean shutdown.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	cues, err := s.store.ListCues(true)
	if err != nil {
		return err
	}
	for _, cue := range cues {
		s.scheduleCue(cue)
	}
	s.logger.Info("cue scheduler started", "cues", len(cues))

	s.checkMissedFirings()
	return nil
}

// Stop cancels every pending timer and waits for in-flight firings.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("cue scheduler stopped")
}

// ScheduleOnce persists and schedules a single firing of eventID after
// delay. This backs the delayed form of the cueEvent request.
func (s *Scheduler) ScheduleOnce(eventID uint32, data *uint32, delay time.Duration) error {
	return s.CreateCue(&Cue{
		EventID: eventID,
		Data:    data,
		FireAt:  time.Now().Add(delay),
		Enabled: true,
	})
}

// RescheduleEvent moves the soonest pending cue for eventID to
// startTime plus newDelay (or startTime itself when newDelay is nil),
// creating a new cue when none is pending. This backs the eventChange
// request.
func (s *Scheduler) RescheduleEvent(eventID uint32, startTime time.Time, newDelay *time.Duration) error {
	fireAt := startTime
	if newDelay != nil {
		fireAt = startTime.Add(*newDelay)
	}
	cue, err := s.store.NextCueForEvent(eventID)
	if err != nil {
		return err
	}
	if cue == nil {
		return s.CreateCue(&Cue{EventID: eventID, FireAt: fireAt, Enabled: true})
	}
	cue.FireAt = fireAt
	return s.UpdateCue(cue)
}

// ClearPending cancels and removes every pending non-recurring cue.
// Recurring cues survive: clearing the queue is an operator action
// against one show's pending one-shots, not the installation's
// standing schedule.
func (s *Scheduler) ClearPending() error {
	cues, err := s.store.ListCues(true)
	if err != nil {
		return err
	}
	for _, cue := range cues {
		if cue.Recurring {
			continue
		}
		if err := s.DeleteCue(cue.ID); err != nil {
			s.logger.Error("failed to clear cue", "id", cue.ID, "error", err)
		}
	}
	return nil
}

// CreateCue persists a new cue and schedules it if enabled.
func (s *Scheduler) CreateCue(c *Cue) error {
	if err := s.store.CreateCue(c); err != nil {
		return err
	}
	if c.Enabled {
		s.scheduleCue(c)
	}
	s.logger.Info("cue created", "id", c.ID, "event", c.EventID, "fireAt", c.FireAt)
	return nil
}

// UpdateCue persists changes to an existing cue and reschedules it.
// This is how EventChange adjusts a cue's start time or delay.
func (s *Scheduler) UpdateCue(c *Cue) error {
	if err := s.store.UpdateCue(c); err != nil {
		return err
	}
	s.cancelTimer(c.ID)
	if c.Enabled {
		s.scheduleCue(c)
	}
	s.logger.Info("cue updated", "id", c.ID, "fireAt", c.FireAt)
	return nil
}

// DeleteCue cancels and removes a cue.
func (s *Scheduler) DeleteCue(id string) error {
	s.cancelTimer(id)
	if err := s.store.DeleteCue(id); err != nil {
		return err
	}
	s.logger.Info("cue deleted", "id", id)
	return nil
}

// AdjustAll shifts every currently scheduled, non-recurring cue's fire
// time by delta, implementing the AllEventChange request.
func (s *Scheduler) AdjustAll(delta time.Duration) error {
	cues, err := s.store.ListCues(true)
	if err != nil {
		return err
	}
	for _, cue := range cues {
		if cue.Recurring {
			continue
		}
		cue.FireAt = cue.FireAt.Add(delta)
		if err := s.UpdateCue(cue); err != nil {
			s.logger.Error("failed to adjust cue", "id", cue.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) scheduleCue(c *Cue) {
	next, ok := c.NextRun(time.Now())
	if !ok {
		return
	}
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, exists := s.timers[c.ID]; exists {
		timer.Stop()
	}
	s.timers[c.ID] = time.AfterFunc(delay, func() {
		s.onCueFire(c.ID)
	})
}

func (s *Scheduler) onCueFire(cueID string) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, cueID)
	s.mu.Unlock()

	cue, err := s.store.GetCue(cueID)
	if err != nil || !cue.Enabled {
		return
	}

	s.fire(cue, time.Now())

	if cue.Recurring {
		s.scheduleCue(cue)
	}
}

func (s *Scheduler) fire(c *Cue, scheduledAt time.Time) {
	firing := &Firing{CueID: c.ID, ScheduledAt: scheduledAt, Status: FiringPending}
	if err := s.store.CreateFiring(firing); err != nil {
		s.logger.Error("failed to record firing", "cue", c.ID, "error", err)
	}

	s.broadcast(c.EventID, c.Data)

	now := time.Now()
	firing.FiredAt = &now
	firing.Status = FiringFired
	if err := s.store.UpdateFiring(firing); err != nil {
		s.logger.Error("failed to update firing", "id", firing.ID, "error", err)
	}

	s.logger.Info("cue fired", "cue", c.ID, "event", c.EventID)
}

func (s *Scheduler) cancelTimer(cueID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, exists := s.timers[cueID]; exists {
		timer.Stop()
		delete(s.timers, cueID)
	}
}

func (s *Scheduler) checkMissedFirings() {
	pending, err := s.store.GetPendingFirings()
	if err != nil {
		s.logger.Error("failed to get pending firings", "error", err)
		return
	}
	for _, firing := range pending {
		if time.Since(firing.ScheduledAt) > 24*time.Hour {
			firing.Status = FiringSkipped
			firing.Result = "missed firing window (>24h)"
			_ = s.store.UpdateFiring(firing)
			s.logger.Info("skipped stale firing", "id", firing.ID, "scheduled", firing.ScheduledAt)
			continue
		}
		cue, err := s.store.GetCue(firing.CueID)
		if err != nil {
			continue
		}
		firing.Status = FiringSkipped
		firing.Result = "replaced by catch-up firing"
		_ = s.store.UpdateFiring(firing)
		s.logger.Info("catching up missed firing", "cue", cue.ID, "scheduled", firing.ScheduledAt)
		s.fire(cue, firing.ScheduledAt)
	}
}
