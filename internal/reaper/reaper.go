// Package reaper terminates chats that went silent and removes the
// schedule objects they own. Schedule-object deletion runs before chat
// termination, so a failure mid-sweep can leave at most already
// terminated chats with stale bookkeeping, never dangling schedule
// rows for chats that are already gone.
package reaper

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"budgenator/internal/domain"
	"budgenator/internal/storage"
	logx "budgenator/pkg/logx"
)

// TerminationSet is everything one sweep collected: the idle chats and
// all schedule/task ids those chats own.
type TerminationSet struct {
	ChatIDs     []int64
	ScheduleIDs []int64
	TaskIDs     []int64
}

type Reaper struct {
	core        *sql.DB
	sched       *sql.DB
	maxIdleDays int
	log         logx.Logger

	now func() time.Time
}

func New(core, sched *sql.DB, maxIdleDays int, log logx.Logger) *Reaper {
	if maxIdleDays <= 0 {
		maxIdleDays = 30
	}
	return &Reaper{
		core:        core,
		sched:       sched,
		maxIdleDays: maxIdleDays,
		log:         log,
		now:         time.Now,
	}
}

// CollectIDsForTermination gathers chats whose latest contact is older
// than idleDays days, skipping chats that are already terminated
// (their bookkeeping is empty by construction).
func (r *Reaper) CollectIDsForTermination(ctx context.Context, idleDays int) (TerminationSet, error) {
	cutoff := r.now().UTC().AddDate(0, 0, -idleDays).Format(time.RFC3339)

	rows, err := r.core.QueryContext(ctx,
		`SELECT chat_id, schedule_ids, task_ids FROM chat WHERE state != ? AND latest_contact < ?`,
		domain.StateTerminated, cutoff,
	)
	if err != nil {
		return TerminationSet{}, fmt.Errorf("reaper: collect idle chats: %w", err)
	}
	defer rows.Close()

	var set TerminationSet
	for rows.Next() {
		var (
			chatID             int64
			rawSched, rawTasks string
		)
		if err := rows.Scan(&chatID, &rawSched, &rawTasks); err != nil {
			return TerminationSet{}, fmt.Errorf("reaper: scan chat row: %w", err)
		}
		sched, err := idsFromJSON(rawSched)
		if err != nil {
			return TerminationSet{}, fmt.Errorf("reaper: chat %d schedule_ids: %w", chatID, err)
		}
		tasks, err := idsFromJSON(rawTasks)
		if err != nil {
			return TerminationSet{}, fmt.Errorf("reaper: chat %d task_ids: %w", chatID, err)
		}
		set.ChatIDs = append(set.ChatIDs, chatID)
		set.ScheduleIDs = append(set.ScheduleIDs, sched...)
		set.TaskIDs = append(set.TaskIDs, tasks...)
	}
	if err := rows.Err(); err != nil {
		return TerminationSet{}, fmt.Errorf("reaper: collect idle chats: %w", err)
	}
	return set, nil
}

// BatchDeleteScheduleObjects removes the given periodic tasks and
// crontab specs in one schedule-store transaction. Ids that are
// already gone are skipped, so a repeated sweep is harmless.
func (r *Reaper) BatchDeleteScheduleObjects(ctx context.Context, scheduleIDs, taskIDs []int64) error {
	if len(scheduleIDs) == 0 && len(taskIDs) == 0 {
		return nil
	}
	err := storage.Tx(ctx, r.sched, func(tx *sql.Tx) error {
		// Tasks first: they reference the crontab rows.
		if len(taskIDs) > 0 {
			q := `DELETE FROM periodic_task WHERE id IN (` + placeholders(len(taskIDs)) + `)`
			if _, err := tx.ExecContext(ctx, q, toArgs(taskIDs)...); err != nil {
				return err
			}
		}
		if len(scheduleIDs) > 0 {
			q := `DELETE FROM crontab_schedule WHERE id IN (` + placeholders(len(scheduleIDs)) + `)`
			if _, err := tx.ExecContext(ctx, q, toArgs(scheduleIDs)...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reaper: delete schedule objects: %w", err)
	}
	return nil
}

// BatchTerminate marks the chats terminated, deletes their budgets and
// clears their bookkeeping in one core-store transaction. Chats that
// are already terminated (or gone) are unaffected.
func (r *Reaper) BatchTerminate(ctx context.Context, chatIDs []int64) error {
	if len(chatIDs) == 0 {
		return nil
	}
	err := storage.Tx(ctx, r.core, func(tx *sql.Tx) error {
		args := toArgs(chatIDs)
		q := `UPDATE chat SET state = '` + string(domain.StateTerminated) + `', schedule_ids = '[]', task_ids = '[]'
		      WHERE chat_id IN (` + placeholders(len(chatIDs)) + `)`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
		q = `DELETE FROM budget WHERE chat_id IN (` + placeholders(len(chatIDs)) + `)`
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("reaper: terminate chats: %w", err)
	}
	return nil
}

// Sweep runs one full pass: collect, delete schedule objects, then
// terminate. It is safe to run on any schedule and safe to re-run
// after a partial failure.
func (r *Reaper) Sweep(ctx context.Context) error {
	set, err := r.CollectIDsForTermination(ctx, r.maxIdleDays)
	if err != nil {
		return err
	}
	if len(set.ChatIDs) == 0 {
		r.log.Debug("idle sweep: nothing to do", logx.Int("max_idle_days", r.maxIdleDays))
		return nil
	}

	if err := r.BatchDeleteScheduleObjects(ctx, set.ScheduleIDs, set.TaskIDs); err != nil {
		return err
	}
	if err := r.BatchTerminate(ctx, set.ChatIDs); err != nil {
		return err
	}

	r.log.Info("idle chats terminated",
		logx.Int("chats", len(set.ChatIDs)),
		logx.Int("schedule_rows", len(set.ScheduleIDs)),
		logx.Int("task_rows", len(set.TaskIDs)),
		logx.Int("max_idle_days", r.maxIdleDays))
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func idsFromJSON(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
