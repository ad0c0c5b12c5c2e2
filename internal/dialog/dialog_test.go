package dialog

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgenator/internal/catalog"
	"budgenator/internal/domain"
	"budgenator/internal/guard"
	"budgenator/internal/ledger"
	"budgenator/internal/schedule"
	"budgenator/internal/storage"
	"budgenator/internal/transport"
	"budgenator/pkg/logx"
	"budgenator/pkg/phrase"
)

type recordedSend struct {
	chatID  int64
	text    string
	buttons [][]transport.Button
}

type recordingSender struct {
	sends []recordedSend
	acks  []string
}

func (s *recordingSender) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	rec := recordedSend{chatID: to.ChatID, text: text}
	if opt != nil {
		rec.buttons = opt.Buttons
	}
	s.sends = append(s.sends, rec)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(s.sends)}, nil
}

func (s *recordingSender) AnswerCallback(_ context.Context, id, _ string) error {
	s.acks = append(s.acks, id)
	return nil
}

func (s *recordingSender) reset() { s.sends, s.acks = nil, nil }

type fixture struct {
	core     *sql.DB
	sched    *sql.DB
	led      *ledger.Ledger
	sessions *Sessions
	sender   *recordingSender
	dialog   *Dialog
}

// newFixture wires a dialogue against real stores. Catalog texts are
// replaced with their own "section/alias" keys so assertions read as
// the key being checked.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	core, err := storage.OpenCore(filepath.Join(dir, "core.db"), 2*time.Second)
	if err != nil {
		t.Fatalf("OpenCore: %v", err)
	}
	t.Cleanup(func() { core.Close() })
	sched, err := storage.OpenSchedule(filepath.Join(dir, "schedule.db"), 2*time.Second)
	if err != nil {
		t.Fatalf("OpenSchedule: %v", err)
	}
	t.Cleanup(func() { sched.Close() })

	cat := catalog.New(core, logx.Nop())
	ctx := context.Background()
	for _, p := range [][2]string{
		{"first_contact", "welcome"},
		{"first_contact", "overview"},
		{"config", "intro"},
		{"config", "menu"},
		{"config", "replenishment"},
		{"config", "annulment"},
		{"config", "reminder"},
		{"config", "basis"},
		{"config", "day_of_the_week"},
		{"config", "day_of_the_month"},
		{"config", "day_of_the_month_wrong_input"},
		{"config", "time"},
		{"config", "time_wrong_input"},
		{"config", "not_configured"},
		{"config", "success"},
		{"config", "terminated"},
		{"error", "info"},
		{"error", "contacts"},
	} {
		if err := cat.Upsert(ctx, p[0], p[1], p[0]+"/"+p[1]); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	led := ledger.New(core, logx.Nop())
	sender := &recordingSender{}
	amount := decimal.NewFromInt(1000)

	sessions := NewSessions(48 * time.Hour)
	d := New(Params{
		Sessions:      sessions,
		Ledger:        led,
		Orchestrator:  schedule.New(sched, led, time.UTC, logx.Nop()),
		Catalog:       cat,
		Sender:        sender,
		Guard:         guard.New(cat, sender, phrase.NewWithIntn(func(int) int { return 0 }), logx.Nop()),
		Replenishment: amount,
		StartBalance:  amount,
		Log:           logx.Nop(),
	})
	return &fixture{core: core, sched: sched, led: led, sessions: sessions, sender: sender, dialog: d}
}

func msg(chatID int64, text string) transport.Update {
	return transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ID: 1, ChatID: chatID, Text: text},
	}
}

func cb(chatID int64, data string) transport.Update {
	return transport.Update{
		Kind:     transport.UpdateCallback,
		Callback: &transport.Callback{ID: "cb", ChatID: chatID, Data: data},
	}
}

func (f *fixture) texts() []string {
	out := make([]string, len(f.sender.sends))
	for i, s := range f.sender.sends {
		out[i] = s.text
	}
	return out
}

func (f *fixture) step(t *testing.T, chatID int64) Step {
	t.Helper()
	sess, ok := f.sessions.get(chatID)
	if !ok {
		t.Fatalf("no session for chat %d", chatID)
	}
	return sess.step
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func equalTexts(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestFirstContactPlaysWelcomeSequence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.dialog.Handle(ctx, msg(10, "hello"))

	want := []string{"first_contact/welcome", "first_contact/overview", "config/intro", "config/menu"}
	if got := f.texts(); !equalTexts(got, want) {
		t.Fatalf("sends = %v, want %v", got, want)
	}
	menu := f.sender.sends[3]
	if len(menu.buttons) != 4 {
		t.Fatalf("menu has %d button rows, want 4", len(menu.buttons))
	}
	if got := f.step(t, 10); got != StepEventType {
		t.Fatalf("step = %s, want %s", got, StepEventType)
	}
}

func TestReplenishmentDailyConfiguration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	var chatID int64 = 20

	f.dialog.Handle(ctx, msg(chatID, "hi"))
	f.sender.reset()

	f.dialog.Handle(ctx, cb(chatID, string(domain.EventReplenishment)))
	if want := []string{"config/replenishment", "config/basis"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends = %v, want %v", f.texts(), want)
	}
	if len(f.sender.acks) != 1 {
		t.Fatalf("acked %d callbacks, want 1", len(f.sender.acks))
	}
	f.sender.reset()

	f.dialog.Handle(ctx, cb(chatID, string(domain.BasisDaily)))
	if want := []string{"config/time"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends = %v, want %v", f.texts(), want)
	}
	f.sender.reset()

	f.dialog.Handle(ctx, msg(chatID, "09:30"))
	if want := []string{"config/menu"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends after commit = %v, want %v", f.texts(), want)
	}

	// The commit engaged and configured the chat and wrote one
	// crontab/task pair.
	state, err := f.led.State(ctx, chatID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != domain.StateConfigured {
		t.Fatalf("state = %s, want %s", state, domain.StateConfigured)
	}
	if n := countRows(t, f.sched, "crontab_schedule"); n != 1 {
		t.Fatalf("crontab_schedule rows = %d, want 1", n)
	}
	if n := countRows(t, f.sched, "periodic_task"); n != 1 {
		t.Fatalf("periodic_task rows = %d, want 1", n)
	}
	var task string
	if err := f.sched.QueryRow(`SELECT task FROM periodic_task`).Scan(&task); err != nil {
		t.Fatalf("read task: %v", err)
	}
	if task != domain.TaskRefillBalance {
		t.Fatalf("task = %s, want %s", task, domain.TaskRefillBalance)
	}
	f.sender.reset()

	// DONE on a configured chat: success and duty.
	f.dialog.Handle(ctx, cb(chatID, doneData))
	if want := []string{"config/success"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends = %v, want %v", f.texts(), want)
	}
	if got := f.step(t, chatID); got != StepOnDuty {
		t.Fatalf("step = %s, want %s", got, StepOnDuty)
	}
	f.sender.reset()

	// Steady state: texts only refresh the latest contact.
	f.dialog.Handle(ctx, msg(chatID, "thanks"))
	if len(f.sender.sends) != 0 {
		t.Fatalf("on-duty text produced %d sends, want 0", len(f.sender.sends))
	}
}

func TestReminderOnWeekdayLeavesChatUnconfigured(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	var chatID int64 = 30

	f.dialog.Handle(ctx, msg(chatID, "hi"))
	f.dialog.Handle(ctx, cb(chatID, string(domain.EventReminder)))
	f.dialog.Handle(ctx, cb(chatID, string(domain.BasisDayOfWeek)))
	f.sender.reset()

	f.dialog.Handle(ctx, cb(chatID, "MONDAY"))
	if want := []string{"config/time"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends = %v, want %v", f.texts(), want)
	}
	f.sender.reset()

	f.dialog.Handle(ctx, msg(chatID, "08:00"))
	if want := []string{"config/menu"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends after commit = %v, want %v", f.texts(), want)
	}

	// A reminder alone must not configure the chat.
	state, err := f.led.State(ctx, chatID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != domain.StateInitial {
		t.Fatalf("state = %s, want %s", state, domain.StateInitial)
	}
	var dow sql.NullInt64
	if err := f.sched.QueryRow(`SELECT day_of_week FROM crontab_schedule`).Scan(&dow); err != nil {
		t.Fatalf("read day_of_week: %v", err)
	}
	if !dow.Valid || dow.Int64 != 1 {
		t.Fatalf("day_of_week = %v, want 1", dow)
	}
	f.sender.reset()

	// DONE while INITIAL: not configured, menu again.
	f.dialog.Handle(ctx, cb(chatID, doneData))
	if want := []string{"config/not_configured", "config/menu"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends = %v, want %v", f.texts(), want)
	}
	if got := f.step(t, chatID); got != StepEventType {
		t.Fatalf("step = %s, want %s", got, StepEventType)
	}
}

func TestDayOfMonthValidationReprompts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	var chatID int64 = 40

	f.dialog.Handle(ctx, msg(chatID, "hi"))
	f.dialog.Handle(ctx, cb(chatID, string(domain.EventAnnulment)))
	f.dialog.Handle(ctx, cb(chatID, string(domain.BasisDayOfMonth)))
	f.sender.reset()

	for _, bad := range []string{"abc", "0", "42"} {
		f.dialog.Handle(ctx, msg(chatID, bad))
		if want := []string{"config/day_of_the_month_wrong_input"}; !equalTexts(f.texts(), want) {
			t.Fatalf("input %q: sends = %v, want %v", bad, f.texts(), want)
		}
		if got := f.step(t, chatID); got != StepDayOfMonth {
			t.Fatalf("input %q advanced the step to %s", bad, got)
		}
		f.sender.reset()
	}

	f.dialog.Handle(ctx, msg(chatID, "15"))
	if want := []string{"config/time"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends = %v, want %v", f.texts(), want)
	}
}

func TestTimeValidationReprompts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	var chatID int64 = 50

	f.dialog.Handle(ctx, msg(chatID, "hi"))
	f.dialog.Handle(ctx, cb(chatID, string(domain.EventReplenishment)))
	f.dialog.Handle(ctx, cb(chatID, string(domain.BasisDaily)))
	f.sender.reset()

	for _, bad := range []string{"25:00", "09:60", "morning"} {
		f.dialog.Handle(ctx, msg(chatID, bad))
		if want := []string{"config/time_wrong_input"}; !equalTexts(f.texts(), want) {
			t.Fatalf("input %q: sends = %v, want %v", bad, f.texts(), want)
		}
		f.sender.reset()
	}
	if n := countRows(t, f.sched, "periodic_task"); n != 0 {
		t.Fatalf("invalid times wrote %d task rows, want 0", n)
	}

	f.dialog.Handle(ctx, msg(chatID, "07:45"))
	if n := countRows(t, f.sched, "periodic_task"); n != 1 {
		t.Fatalf("periodic_task rows = %d, want 1", n)
	}
}

func TestWrongKindInputRerendersPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	var chatID int64 = 60

	f.dialog.Handle(ctx, msg(chatID, "hi"))
	f.sender.reset()

	// Text where a button press is expected: menu again.
	f.dialog.Handle(ctx, msg(chatID, "replenishment please"))
	if want := []string{"config/menu"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends = %v, want %v", f.texts(), want)
	}
	f.sender.reset()

	f.dialog.Handle(ctx, cb(chatID, string(domain.EventReplenishment)))
	f.dialog.Handle(ctx, cb(chatID, string(domain.BasisDaily)))
	f.sender.reset()

	// Button press where a text is expected: time prompt again.
	f.dialog.Handle(ctx, cb(chatID, "MONDAY"))
	if want := []string{"config/time"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends = %v, want %v", f.texts(), want)
	}
}

func TestStaleMenuPayloadIsIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	var chatID int64 = 70

	f.dialog.Handle(ctx, msg(chatID, "hi"))
	f.sender.reset()

	f.dialog.Handle(ctx, cb(chatID, "SOMETHING_OLD"))
	if want := []string{"config/menu"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends = %v, want %v", f.texts(), want)
	}
	if got := f.step(t, chatID); got != StepEventType {
		t.Fatalf("step = %s, want %s", got, StepEventType)
	}
}

func TestTerminatedChatIsTurnedAway(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	var chatID int64 = 80

	amount := decimal.NewFromInt(1000)
	if err := f.led.Engage(ctx, chatID, amount, amount); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	if _, _, err := f.led.SetTerminated(ctx, chatID); err != nil {
		t.Fatalf("SetTerminated: %v", err)
	}

	f.dialog.Handle(ctx, msg(chatID, "hi"))
	f.sender.reset()

	// DONE: terminated notice, session dropped.
	f.dialog.Handle(ctx, cb(chatID, doneData))
	if want := []string{"config/terminated"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends = %v, want %v", f.texts(), want)
	}
	if _, ok := f.sessions.get(chatID); ok {
		t.Fatal("session survived the terminated notice")
	}
}

func TestCommitOnTerminatedChatWritesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	var chatID int64 = 90

	amount := decimal.NewFromInt(1000)
	if err := f.led.Engage(ctx, chatID, amount, amount); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	if _, _, err := f.led.SetTerminated(ctx, chatID); err != nil {
		t.Fatalf("SetTerminated: %v", err)
	}

	f.dialog.Handle(ctx, msg(chatID, "hi"))
	f.dialog.Handle(ctx, cb(chatID, string(domain.EventReplenishment)))
	f.dialog.Handle(ctx, cb(chatID, string(domain.BasisDaily)))
	f.sender.reset()

	f.dialog.Handle(ctx, msg(chatID, "12:00"))
	if want := []string{"config/terminated"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends = %v, want %v", f.texts(), want)
	}
	if _, ok := f.sessions.get(chatID); ok {
		t.Fatal("session survived the terminated commit")
	}
	if n := countRows(t, f.sched, "periodic_task"); n != 0 {
		t.Fatalf("terminated chat wrote %d task rows, want 0", n)
	}
}

func TestCommitFailureKeepsEntryForRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	var chatID int64 = 100

	f.dialog.Handle(ctx, msg(chatID, "hi"))
	f.dialog.Handle(ctx, cb(chatID, string(domain.EventReplenishment)))
	f.dialog.Handle(ctx, cb(chatID, string(domain.BasisDaily)))
	f.sender.reset()

	// Break the schedule store so the commit fails.
	if _, err := f.sched.Exec(`DROP TABLE periodic_task`); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	f.dialog.Handle(ctx, msg(chatID, "10:00"))
	if len(f.sender.sends) != 1 {
		t.Fatalf("sent %d messages on failure, want 1 contained notice", len(f.sender.sends))
	}
	if got := f.sender.sends[0].text; got == "config/menu" {
		t.Fatalf("commit failure still produced the menu: %q", got)
	}
	if got := f.step(t, chatID); got != StepTime {
		t.Fatalf("step = %s, want %s for a retry", got, StepTime)
	}
	f.sender.reset()

	// Restore the table; resending the time retries the commit.
	if _, err := f.sched.Exec(`CREATE TABLE periodic_task (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT    NOT NULL UNIQUE,
		task       TEXT    NOT NULL,
		args       TEXT    NOT NULL DEFAULT '[]',
		crontab_id INTEGER NOT NULL REFERENCES crontab_schedule(id),
		enabled    INTEGER NOT NULL DEFAULT 1,
		created_at TEXT    NOT NULL
	)`); err != nil {
		t.Fatalf("recreate table: %v", err)
	}
	f.dialog.Handle(ctx, msg(chatID, "10:00"))
	if want := []string{"config/menu"}; !equalTexts(f.texts(), want) {
		t.Fatalf("sends after retry = %v, want %v", f.texts(), want)
	}
	if n := countRows(t, f.sched, "periodic_task"); n != 1 {
		t.Fatalf("periodic_task rows = %d, want 1", n)
	}
}
