// Package scheduler implements the Scheduler described in spec §4.6: the
// component responsible for invoking the Global Tick Driver roughly every
// ten seconds, surviving process restarts and overlapping invocations
// without double-firing across a multi-process deployment.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alpharoyale/backend/internal/driver"
	"github.com/alpharoyale/backend/logging"
	"github.com/alpharoyale/backend/monitoring"
)

// ErrLockLost is logged when a running timer loop's distributed lock
// expires before it could be renewed.
var ErrLockLost = errors.New("scheduler: distributed lock lost before renewal")

// Locker is the cross-process mutual-exclusion primitive the Scheduler
// needs: an atomic "set if absent" with a TTL. cache.RedisCache.SetNX
// satisfies this directly.
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	// Renew extends the lock's TTL, failing (ok=false) if the key expired
	// out from under the caller rather than recreating it.
	Renew(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

const (
	// LockKey is the fixed name of the singleton scheduler entity (spec
	// §4.6), exported so a health check can confirm ground-truth lock
	// state in the lock store rather than trusting only TimerPending.
	LockKey = "scheduler:global-tick"
)

// Scheduler owns the self-rescheduling timer loop plus the coarser
// heartbeat fallback that restarts it after a transient fault.
type Scheduler struct {
	driver            *driver.Driver
	lock              Locker
	tickInterval      time.Duration
	heartbeatInterval time.Duration
	lockTTL           time.Duration
	logger            *logging.Logger

	mu      sync.Mutex
	pending bool // a timer loop is currently running in this process
}

// New builds a Scheduler. tickInterval is the Driver invocation period
// (spec default 10s); heartbeatInterval is the coarser liveness check
// (spec default 1m).
func New(d *driver.Driver, lock Locker, tickInterval, heartbeatInterval time.Duration, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		driver:            d,
		lock:              lock,
		tickInterval:      tickInterval,
		heartbeatInterval: heartbeatInterval,
		lockTTL:           tickInterval*3 + 5*time.Second,
		logger:            logger,
	}
}

// Run blocks until ctx is cancelled, running the heartbeat loop that
// starts (and, after a fault, restarts) the self-rescheduling timer.
func (s *Scheduler) Run(ctx context.Context) {
	s.ensureTimerRunning(ctx)

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ensureTimerRunning(ctx)
		}
	}
}

// TimerPending reports whether this process currently owns a running
// timer loop. Used by the health check to flag a scheduler that lost its
// lock and never reacquired one.
func (s *Scheduler) TimerPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// ensureTimerRunning is the heartbeat's idempotent check: if a timer loop
// is already pending (in this process or, via the distributed lock,
// another one), it returns status only (spec §4.6).
func (s *Scheduler) ensureTimerRunning(ctx context.Context) {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	acquired, err := s.lock.SetNX(ctx, LockKey, time.Now().Unix(), s.lockTTL)
	if err != nil {
		s.logger.Error("scheduler lock check failed", err, logging.Component("scheduler"))
		logging.TrackError(ctx, err, "critical", map[string]interface{}{"component": "scheduler"})
		return
	}
	if !acquired {
		return // another process already owns the singleton timer
	}
	monitoring.RecordSchedulerLockAcquired()

	s.mu.Lock()
	s.pending = true
	s.mu.Unlock()
	monitoring.SetSchedulerTimerPending(true)

	go s.timerLoop(ctx)
}

// timerLoop is the self-rescheduling timer: it invokes the Driver, then
// unconditionally schedules the next invocation, even when the Driver
// invocation failed (spec §4.6 "the chain cannot stall"). The lock is
// renewed on every tick; if renewal fails the loop gives up its claim on
// the singleton (pending goes false via the defer below) so the next
// heartbeat, in this process or another, can acquire it fresh rather than
// risk two processes both believing they own it past the lock's TTL.
func (s *Scheduler) timerLoop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
		monitoring.SetSchedulerTimerPending(false)
	}()

	s.invoke(ctx)

	timer := time.NewTimer(s.tickInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			renewed, err := s.lock.Renew(ctx, LockKey, s.lockTTL)
			if err != nil {
				s.logger.Error("scheduler lock renewal failed", err, logging.Component("scheduler"))
				logging.TrackError(ctx, err, "critical", map[string]interface{}{"component": "scheduler"})
				return
			}
			if !renewed {
				s.logger.Error("scheduler lock expired before renewal, relinquishing timer",
					ErrLockLost, logging.Component("scheduler"))
				logging.TrackError(ctx, ErrLockLost, "critical", map[string]interface{}{"component": "scheduler"})
				return
			}

			s.invoke(ctx)
			timer.Reset(s.tickInterval)
		}
	}
}

// invoke runs one Driver tick synchronously. timerLoop resets the timer
// only after invoke returns, so invocations never overlap: one that
// exceeds the tick period delays the next by that much.
func (s *Scheduler) invoke(ctx context.Context) {
	if err := s.driver.Run(ctx); err != nil {
		s.logger.Error("scheduled tick failed", err, logging.Component("scheduler"))
		logging.TrackError(ctx, err, "high", map[string]interface{}{"component": "scheduler"})
	}
}
