// Package schedule turns completed schedule entries into crontab rows
// for the periodic-task runner. Writes go to the schedule store first;
// the created ids are then recorded on the owning chat in the core
// store. There is no transaction spanning the two stores.
package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	mrand "math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	cron "github.com/robfig/cron/v3"

	"budgenator/internal/domain"
	"budgenator/internal/storage"
	logx "budgenator/pkg/logx"
)

// CrontabSpec mirrors one crontab_schedule row. DayOfWeek keeps the
// Monday=1..Sunday=7 ordinal; empty day fields mean "any".
type CrontabSpec struct {
	ID         int64
	Minute     string
	Hour       string
	DayOfWeek  string
	DayOfMonth string
	Timezone   string
}

// CronLine renders the five-field cron expression of the spec as
// stored (day-of-week 1..7, Sunday=7).
func (s CrontabSpec) CronLine() string {
	dow := s.DayOfWeek
	if dow == "" {
		dow = "*"
	}
	dom := s.DayOfMonth
	if dom == "" {
		dom = "*"
	}
	return strings.Join([]string{s.Minute, s.Hour, dom, "*", dow}, " ")
}

// validatorLine maps Sunday to 0 because the cron parser caps
// day-of-week at 6; the stored ordinal stays 7.
func (s CrontabSpec) validatorLine() string {
	if s.DayOfWeek != "7" {
		return s.CronLine()
	}
	cp := s
	cp.DayOfWeek = "0"
	return cp.CronLine()
}

// PeriodicTaskRecord mirrors one periodic_task row.
type PeriodicTaskRecord struct {
	ID        int64
	Name      string
	Task      string
	Args      string // JSON positional arguments, e.g. "[42]"
	CrontabID int64
}

// RecordKeeper records created schedule object ids on the owning chat.
// The ledger implements it.
type RecordKeeper interface {
	AddScheduleRecordIDs(ctx context.Context, chatID, scheduleID, taskID int64) error
}

// TaskResolver reports whether a task identifier is known to the
// runner surface. The tasks registry implements it.
type TaskResolver interface {
	Has(name string) bool
}

type Orchestrator struct {
	db       *sql.DB
	records  RecordKeeper
	resolver TaskResolver
	loc      *time.Location
	log      logx.Logger

	now     func() time.Time
	entropy io.Reader
}

func New(db *sql.DB, records RecordKeeper, loc *time.Location, log logx.Logger) *Orchestrator {
	if loc == nil {
		loc = time.UTC
	}
	return &Orchestrator{
		db:      db,
		records: records,
		loc:     loc,
		log:     log,
		now:     time.Now,
		entropy: ulid.Monotonic(mrand.New(mrand.NewSource(time.Now().UnixNano())), 0),
	}
}

// SetTaskResolver installs a task-identifier check applied before any
// row is written.
func (o *Orchestrator) SetTaskResolver(r TaskResolver) { o.resolver = r }

// ScheduleCrontabTask writes the crontab spec and periodic task record
// for a completed entry, then records their ids on the chat. A failure
// while recording the ids leaves the written pair orphaned in the
// schedule store: that is logged and tolerated, the returned event is
// still valid.
func (o *Orchestrator) ScheduleCrontabTask(ctx context.Context, entry *domain.ScheduleEntry, chatID int64) (domain.Event, error) {
	if entry == nil {
		return domain.Event{}, fmt.Errorf("schedule: nil entry")
	}
	if err := entry.Validate(); err != nil {
		return domain.Event{}, err
	}
	if entry.EventType().RequiresChatID() && chatID == 0 {
		return domain.Event{}, fmt.Errorf("schedule: event %s requires a chat id", entry.EventType())
	}

	taskName := entry.EventType().TaskName()
	if o.resolver != nil && !o.resolver.Has(taskName) {
		return domain.Event{}, fmt.Errorf("schedule: unknown task identifier %q", taskName)
	}

	spec, err := o.deriveSpec(entry)
	if err != nil {
		return domain.Event{}, err
	}
	sched, err := cron.ParseStandard(spec.validatorLine())
	if err != nil {
		return domain.Event{}, fmt.Errorf("schedule: derived crontab %q: %w", spec.CronLine(), err)
	}

	name := fmt.Sprintf("%s_%d_%s", entry.EventType(), chatID, ulid.MustNew(ulid.Timestamp(o.now()), o.entropy))
	args, err := json.Marshal([]int64{chatID})
	if err != nil {
		return domain.Event{}, fmt.Errorf("schedule: encode args: %w", err)
	}

	var scheduleID, taskID int64
	err = storage.Tx(ctx, o.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO crontab_schedule(minute, hour, day_of_week, day_of_month, timezone)
			 VALUES(?, ?, ?, ?, ?)`,
			spec.Minute, spec.Hour, nullable(spec.DayOfWeek), nullable(spec.DayOfMonth), spec.Timezone,
		)
		if err != nil {
			return err
		}
		scheduleID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx,
			`INSERT INTO periodic_task(name, task, args, crontab_id, enabled, created_at)
			 VALUES(?, ?, ?, ?, 1, ?)`,
			name, taskName, string(args), scheduleID, o.now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
		taskID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return domain.Event{}, fmt.Errorf("schedule: write schedule objects: %w", err)
	}

	ev := domain.Event{
		Type:       entry.EventType(),
		ChatID:     chatID,
		ScheduleID: scheduleID,
		TaskID:     taskID,
	}

	if err := o.records.AddScheduleRecordIDs(ctx, chatID, scheduleID, taskID); err != nil {
		// Orphan window: the pair exists but the chat does not know it.
		o.log.Error("schedule objects left unrecorded on chat",
			logx.Int64("chat_id", chatID),
			logx.Int64("schedule_id", scheduleID),
			logx.Int64("task_id", taskID),
			logx.Err(err))
		return ev, nil
	}

	o.log.Info("crontab task scheduled",
		logx.Int64("chat_id", chatID),
		logx.String("task", taskName),
		logx.String("name", name),
		logx.String("cron", spec.CronLine()),
		logx.Time("next_run", sched.Next(o.now().In(o.loc))))
	return ev, nil
}

func (o *Orchestrator) deriveSpec(entry *domain.ScheduleEntry) (CrontabSpec, error) {
	clock, ok := entry.Time()
	if !ok {
		return CrontabSpec{}, fmt.Errorf("schedule: entry has no time")
	}
	spec := CrontabSpec{
		Minute:   strconv.Itoa(clock.Minute),
		Hour:     strconv.Itoa(clock.Hour),
		Timezone: o.loc.String(),
	}

	switch entry.Basis() {
	case domain.BasisDaily:
		// both day fields stay open
	case domain.BasisDayOfWeek:
		d, ok := entry.DayOfWeek()
		if !ok {
			return CrontabSpec{}, fmt.Errorf("schedule: entry has no weekday")
		}
		spec.DayOfWeek = strconv.Itoa(int(d))
	case domain.BasisDayOfMonth:
		day, ok := entry.DayOfMonth()
		if !ok {
			return CrontabSpec{}, fmt.Errorf("schedule: entry has no month day")
		}
		spec.DayOfMonth = strconv.Itoa(day)
	default:
		return CrontabSpec{}, fmt.Errorf("schedule: unknown basis %q", entry.Basis())
	}
	return spec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LoadSpec reads one crontab_schedule row back.
func LoadSpec(ctx context.Context, db *sql.DB, id int64) (CrontabSpec, error) {
	var (
		spec     CrontabSpec
		dow, dom sql.NullString
	)
	row := db.QueryRowContext(ctx,
		`SELECT id, minute, hour, day_of_week, day_of_month, timezone FROM crontab_schedule WHERE id = ?`, id)
	if err := row.Scan(&spec.ID, &spec.Minute, &spec.Hour, &dow, &dom, &spec.Timezone); err != nil {
		return CrontabSpec{}, fmt.Errorf("schedule: load spec %d: %w", id, err)
	}
	spec.DayOfWeek = dow.String
	spec.DayOfMonth = dom.String
	return spec, nil
}

// LoadTask reads one periodic_task row back.
func LoadTask(ctx context.Context, db *sql.DB, id int64) (PeriodicTaskRecord, error) {
	var rec PeriodicTaskRecord
	row := db.QueryRowContext(ctx,
		`SELECT id, name, task, args, crontab_id FROM periodic_task WHERE id = ?`, id)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Task, &rec.Args, &rec.CrontabID); err != nil {
		return PeriodicTaskRecord{}, fmt.Errorf("schedule: load task %d: %w", id, err)
	}
	return rec, nil
}
