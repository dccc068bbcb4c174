package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Scheduler fires a callback at each configured time of day. It keeps the
// next-fire instant of every slot, sleeps until the earliest one and
// recomputes a slot for the following day once it has fired.
type Scheduler struct {
	fire   func(ctx context.Context, slot TimeOfDay)
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time
	logger *slog.Logger

	mu    sync.Mutex
	times []TimeOfDay
	wake  chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTimer replaces time.After.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) { s.after = after }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler for times that calls fire when a slot is due.
func New(times []TimeOfDay, fire func(ctx context.Context, slot TimeOfDay), opts ...Option) *Scheduler {
	s := &Scheduler{
		fire:   fire,
		now:    time.Now,
		after:  time.After,
		logger: slog.Default(),
		times:  append([]TimeOfDay(nil), times...),
		wake:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Times returns the configured trigger times.
func (s *Scheduler) Times() []TimeOfDay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TimeOfDay(nil), s.times...)
}

// Reconfigure replaces every armed slot with times and wakes the loop.
func (s *Scheduler) Reconfigure(times []TimeOfDay) {
	s.mu.Lock()
	s.times = append([]TimeOfDay(nil), times...)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type slot struct {
	at  time.Time
	tod TimeOfDay
}

func (s *Scheduler) arm(now time.Time) []slot {
	times := s.Times()
	slots := make([]slot, 0, len(times))
	for _, t := range times {
		slots = append(slots, slot{at: t.Next(now), tod: t})
	}
	sortSlots(slots)
	return slots
}

func sortSlots(slots []slot) {
	sort.Slice(slots, func(i, j int) bool { return slots[i].at.Before(slots[j].at) })
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slots := s.arm(s.now())
	s.logArmed(slots)

	for {
		var timer <-chan time.Time
		if len(slots) > 0 {
			wait := slots[0].at.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
			timer = s.after(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			slots = s.arm(s.now())
			s.logArmed(slots)
			continue
		case <-timer:
		}

		now := s.now()
		for i := range slots {
			if slots[i].at.After(now) {
				break
			}
			s.logger.Info("scheduled download due", "slot", slots[i].tod.String(), "at", slots[i].at)
			s.fire(ctx, slots[i].tod)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slots[i].at = slots[i].tod.Next(now)
		}
		sortSlots(slots)
	}
}

func (s *Scheduler) logArmed(slots []slot) {
	if len(slots) == 0 {
		s.logger.Info("download scheduler idle, no trigger times")
		return
	}
	s.logger.Info("download scheduler armed", "slots", len(slots), "next", slots[0].at)
}
