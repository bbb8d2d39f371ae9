// Package scheduler fires cron, interval, and once scheduled tasks (§4.9)
// by synthesizing a scheduler-authored message into the owning chat's
// history and handing it to the same per-chat work queue every regular
// inbound message goes through, so a scheduled task never bypasses C4's
// serialization or retry policy.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hitsmaxft/nanoclaw/internal/queue"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

// Scheduler ticks on an interval, finds due tasks, and enqueues each one.
type Scheduler struct {
	Store        *store.Store
	Queue        *queue.Queue
	TickInterval time.Duration
	Lock         *TaskLock // best-effort cross-process overlap guard; may be nil
}

// New creates a Scheduler. lockPath may be empty to disable the file lock
// (fine for a single-process deployment; the file lock exists for
// deployments that run more than one nanoclaw process against the same
// database, mirroring a cron daemon guarding against double firing).
func New(st *store.Store, q *queue.Queue, tickInterval time.Duration, lockPath string) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	var lock *TaskLock
	if lockPath != "" {
		lock = NewTaskLock(lockPath)
	}
	return &Scheduler{Store: st, Queue: q, TickInterval: tickInterval, Lock: lock}
}

// Run blocks, ticking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()
	slog.Info("scheduler: started", "tick", s.TickInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	if s.Lock != nil {
		acquired, err := s.Lock.TryLock()
		if err != nil {
			slog.Warn("scheduler: lock error", "error", err)
			return
		}
		if !acquired {
			return
		}
		defer s.Lock.Unlock()
	}

	due, err := s.Store.GetDueTasks(now)
	if err != nil {
		slog.Error("scheduler: GetDueTasks failed", "error", err)
		return
	}
	for _, t := range due {
		s.fire(t, now)
	}
}

// fire computes the task's next run, records the firing, resets the
// session for isolated-context tasks, and hands the task off to the
// per-chat queue as a synthetic message.
func (s *Scheduler) fire(t *store.ScheduledTask, now time.Time) {
	next, err := nextRun(t, now)
	if err != nil {
		slog.Error("scheduler: computing next run failed", "task", t.ID, "error", err)
		_ = s.Store.RecordTaskFire(t.ID, nil, fmt.Sprintf("schedule error: %v", err))
		return
	}
	if err := s.Store.RecordTaskFire(t.ID, next, "fired"); err != nil {
		slog.Error("scheduler: RecordTaskFire failed", "task", t.ID, "error", err)
		return
	}

	if t.ContextMode == "isolated" {
		if err := s.Store.ClearSession(t.Folder); err != nil {
			slog.Warn("scheduler: failed to clear session for isolated task", "task", t.ID, "error", err)
		}
	}

	if err := s.Store.InsertSchedulerMessage(t.ChatID, t.ID, t.Prompt, now); err != nil {
		slog.Error("scheduler: InsertSchedulerMessage failed", "task", t.ID, "error", err)
		_ = s.Store.LogTaskRun(t.ID, now, 0, "error", err.Error())
		return
	}
	s.Queue.Enqueue(t.ChatID)
	_ = s.Store.LogTaskRun(t.ID, now, 0, "fired", "")
	if err := s.Store.IncrCounter("scheduler_fires", 1); err != nil {
		slog.Warn("scheduler: IncrCounter failed", "task", t.ID, "error", err)
	}
}

// FirstRun computes a newly scheduled task's initial next_run from its raw
// schedule kind/value, for callers (the IPC schedule_task handler) creating
// a store.ScheduledTask for the first time rather than rescheduling one
// that just fired.
func FirstRun(kind, value string, now time.Time) (*time.Time, error) {
	switch kind {
	case "cron":
		expr, err := ParseCronSchedule(value)
		if err != nil {
			return nil, fmt.Errorf("parse cron: %w", err)
		}
		next := expr.NextAfter(now)
		if next.IsZero() {
			return nil, fmt.Errorf("cron: no matching time found within search window")
		}
		return &next, nil

	case "interval":
		d, err := parseInterval(value)
		if err != nil {
			return nil, fmt.Errorf("parse interval: %w", err)
		}
		next := now.Add(d)
		return &next, nil

	case "once":
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("parse once timestamp: %w", err)
		}
		return &t, nil

	default:
		return nil, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// nextRun computes a task's next firing time after now, or nil if the task
// is exhausted (a "once" task that has already fired).
func nextRun(t *store.ScheduledTask, now time.Time) (*time.Time, error) {
	switch t.ScheduleKind {
	case "cron":
		expr, err := ParseCronSchedule(t.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse cron: %w", err)
		}
		next := expr.NextAfter(now)
		if next.IsZero() {
			return nil, fmt.Errorf("cron: no matching time found within search window")
		}
		return &next, nil

	case "interval":
		d, err := parseInterval(t.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse interval: %w", err)
		}
		next := now.Add(d)
		return &next, nil

	case "once":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown schedule kind %q", t.ScheduleKind)
	}
}

// parseInterval accepts either a Go duration string ("45m", "2h") or a bare
// integer, interpreted as milliseconds, matching how interval tasks are
// authored over IPC (plain JSON numbers survive as decimal strings).
func parseInterval(value string) (time.Duration, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	if ms, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("invalid interval %q", value)
}
