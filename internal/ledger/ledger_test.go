package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgenator/internal/domain"
	"budgenator/internal/storage"
	logx "budgenator/pkg/logx"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := storage.OpenCore(filepath.Join(t.TempDir(), "core.db"), 2*time.Second)
	if err != nil {
		t.Fatalf("OpenCore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, logx.Nop())
}

func mustEngage(t *testing.T, l *Ledger, chatID int64) {
	t.Helper()
	if err := l.Engage(context.Background(), chatID, dec(t, "1000"), dec(t, "1000")); err != nil {
		t.Fatalf("Engage: %v", err)
	}
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func TestEngageCreatesInitialChatWithBudget(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()

	mustEngage(t, l, 42)

	state, err := l.State(ctx, 42)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != domain.StateInitial {
		t.Fatalf("state = %v, want INITIAL", state)
	}

	var bal, repl string
	if err := l.db.QueryRow(`SELECT balance, replenishment FROM budget WHERE chat_id = 42`).Scan(&bal, &repl); err != nil {
		t.Fatalf("budget row: %v", err)
	}
	if bal != "1000" || repl != "1000" {
		t.Fatalf("budget = %s/%s, want 1000/1000", bal, repl)
	}
}

func TestEngageTwiceRefused(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	mustEngage(t, l, 42)

	err := l.Engage(context.Background(), 42, dec(t, "500"), dec(t, "0"))
	if !errors.Is(err, ErrAlreadyEngaged) {
		t.Fatalf("second Engage = %v, want ErrAlreadyEngaged", err)
	}
}

func TestBalanceStateGates(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Balance(ctx, 1); !errors.Is(err, ErrNotEngaged) {
		t.Fatalf("Balance unengaged = %v, want ErrNotEngaged", err)
	}

	mustEngage(t, l, 1)
	if _, err := l.Balance(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Balance INITIAL = %v, want ErrNotConfigured", err)
	}

	if err := l.SetConfigured(ctx, 1); err != nil {
		t.Fatalf("SetConfigured: %v", err)
	}
	bal, err := l.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("Balance CONFIGURED: %v", err)
	}
	if !bal.Equal(dec(t, "1000")) {
		t.Fatalf("balance = %s, want 1000", bal)
	}

	if _, _, err := l.SetTerminated(ctx, 1); err != nil {
		t.Fatalf("SetTerminated: %v", err)
	}
	if _, err := l.Balance(ctx, 1); !errors.Is(err, ErrTerminated) {
		t.Fatalf("Balance TERMINATED = %v, want ErrTerminated", err)
	}
}

func TestSpendAllowsOverdraft(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()
	mustEngage(t, l, 2)
	if err := l.SetConfigured(ctx, 2); err != nil {
		t.Fatalf("SetConfigured: %v", err)
	}

	if err := l.Spend(ctx, 2, dec(t, "1250.75")); err != nil {
		t.Fatalf("Spend: %v", err)
	}
	bal, err := l.Balance(ctx, 2)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(dec(t, "-250.75")) {
		t.Fatalf("balance = %s, want -250.75", bal)
	}
}

func TestAnnulZeroesAnyBalance(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()
	mustEngage(t, l, 3)
	if err := l.SetConfigured(ctx, 3); err != nil {
		t.Fatalf("SetConfigured: %v", err)
	}

	for _, spend := range []string{"100", "2000"} {
		if err := l.Spend(ctx, 3, dec(t, spend)); err != nil {
			t.Fatalf("Spend(%s): %v", spend, err)
		}
		if err := l.Annul(ctx, 3); err != nil {
			t.Fatalf("Annul: %v", err)
		}
		bal, err := l.Balance(ctx, 3)
		if err != nil {
			t.Fatalf("Balance: %v", err)
		}
		if !bal.IsZero() {
			t.Fatalf("balance after annul = %s, want 0", bal)
		}
	}
}

func TestTopUpDefaultUsesReplenishment(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()
	mustEngage(t, l, 4)
	if err := l.SetConfigured(ctx, 4); err != nil {
		t.Fatalf("SetConfigured: %v", err)
	}

	if err := l.TopUpDefault(ctx, 4); err != nil {
		t.Fatalf("TopUpDefault: %v", err)
	}
	bal, _ := l.Balance(ctx, 4)
	if !bal.Equal(dec(t, "2000")) {
		t.Fatalf("balance = %s, want 2000", bal)
	}

	if err := l.TopUp(ctx, 4, dec(t, "49.50")); err != nil {
		t.Fatalf("TopUp: %v", err)
	}
	bal, _ = l.Balance(ctx, 4)
	if !bal.Equal(dec(t, "2049.50")) {
		t.Fatalf("balance = %s, want 2049.50", bal)
	}

	if err := l.ChangeReplenishment(ctx, 4, dec(t, "10")); err != nil {
		t.Fatalf("ChangeReplenishment: %v", err)
	}
	if err := l.TopUpDefault(ctx, 4); err != nil {
		t.Fatalf("TopUpDefault after change: %v", err)
	}
	bal, _ = l.Balance(ctx, 4)
	if !bal.Equal(dec(t, "2059.50")) {
		t.Fatalf("balance = %s, want 2059.50", bal)
	}
}

func TestFinancialOpsGateOnState(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()
	mustEngage(t, l, 5)

	if err := l.Spend(ctx, 5, dec(t, "1")); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Spend INITIAL = %v, want ErrNotConfigured", err)
	}
	if err := l.TopUpDefault(ctx, 5); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("TopUpDefault INITIAL = %v, want ErrNotConfigured", err)
	}
	if err := l.Annul(ctx, 5); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Annul INITIAL = %v, want ErrNotConfigured", err)
	}
	if err := l.ChangeReplenishment(ctx, 5, dec(t, "50")); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ChangeReplenishment INITIAL = %v, want ErrNotConfigured", err)
	}
}

func TestSetConfiguredTransitions(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()
	mustEngage(t, l, 6)

	if err := l.SetConfigured(ctx, 6); err != nil {
		t.Fatalf("SetConfigured: %v", err)
	}
	// Re-configuring is a no-op, not an error.
	if err := l.SetConfigured(ctx, 6); err != nil {
		t.Fatalf("SetConfigured again: %v", err)
	}

	if _, _, err := l.SetTerminated(ctx, 6); err != nil {
		t.Fatalf("SetTerminated: %v", err)
	}
	// A closed chat is left alone, silently.
	if err := l.SetConfigured(ctx, 6); err != nil {
		t.Fatalf("SetConfigured on terminated = %v, want nil", err)
	}
	state, err := l.State(ctx, 6)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != domain.StateTerminated {
		t.Fatalf("state = %v, want TERMINATED", state)
	}
}

func TestSetTerminatedReleasesIDsAndBudget(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()
	mustEngage(t, l, 7)

	if err := l.AddScheduleRecordIDs(ctx, 7, 11, 101); err != nil {
		t.Fatalf("AddScheduleRecordIDs: %v", err)
	}
	if err := l.AddScheduleRecordIDs(ctx, 7, 12, 102); err != nil {
		t.Fatalf("AddScheduleRecordIDs: %v", err)
	}

	sched, tasks, err := l.SetTerminated(ctx, 7)
	if err != nil {
		t.Fatalf("SetTerminated: %v", err)
	}
	if len(sched) != 2 || sched[0] != 11 || sched[1] != 12 {
		t.Fatalf("schedule ids = %v, want [11 12]", sched)
	}
	if len(tasks) != 2 || tasks[0] != 101 || tasks[1] != 102 {
		t.Fatalf("task ids = %v, want [101 102]", tasks)
	}

	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM budget WHERE chat_id = 7`).Scan(&n); err != nil {
		t.Fatalf("budget count: %v", err)
	}
	if n != 0 {
		t.Fatal("budget row survived termination")
	}

	gotSched, gotTasks, err := l.ScheduleRecordIDs(ctx, 7)
	if err != nil {
		t.Fatalf("ScheduleRecordIDs: %v", err)
	}
	if len(gotSched) != 0 || len(gotTasks) != 0 {
		t.Fatalf("ids after termination = %v/%v, want empty", gotSched, gotTasks)
	}

	// Terminating again is a clean no-op.
	sched, tasks, err = l.SetTerminated(ctx, 7)
	if err != nil {
		t.Fatalf("second SetTerminated: %v", err)
	}
	if len(sched) != 0 || len(tasks) != 0 {
		t.Fatalf("second termination released ids %v/%v, want none", sched, tasks)
	}
}

func TestAddScheduleRecordIDsKeepsArraysInStep(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()
	mustEngage(t, l, 8)

	for i := int64(0); i < 3; i++ {
		if err := l.AddScheduleRecordIDs(ctx, 8, 20+i, 200+i); err != nil {
			t.Fatalf("AddScheduleRecordIDs: %v", err)
		}
	}
	sched, tasks, err := l.ScheduleRecordIDs(ctx, 8)
	if err != nil {
		t.Fatalf("ScheduleRecordIDs: %v", err)
	}
	if len(sched) != len(tasks) {
		t.Fatalf("array lengths diverged: %d vs %d", len(sched), len(tasks))
	}
	if len(sched) != 3 {
		t.Fatalf("len = %d, want 3", len(sched))
	}

	if _, _, err := l.SetTerminated(ctx, 8); err != nil {
		t.Fatalf("SetTerminated: %v", err)
	}
	if err := l.AddScheduleRecordIDs(ctx, 8, 99, 999); !errors.Is(err, ErrTerminated) {
		t.Fatalf("AddScheduleRecordIDs on terminated = %v, want ErrTerminated", err)
	}
}

func TestRefreshLatestContact(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()

	// Unengaged chats are silently ignored.
	if err := l.RefreshLatestContact(ctx, 9); err != nil {
		t.Fatalf("RefreshLatestContact unengaged: %v", err)
	}

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	mustEngage(t, l, 9)

	l.now = func() time.Time { return base.Add(48 * time.Hour) }
	if err := l.RefreshLatestContact(ctx, 9); err != nil {
		t.Fatalf("RefreshLatestContact: %v", err)
	}

	var raw string
	if err := l.db.QueryRow(`SELECT latest_contact FROM chat WHERE chat_id = 9`).Scan(&raw); err != nil {
		t.Fatalf("latest_contact: %v", err)
	}
	got, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t.Fatalf("parse latest_contact %q: %v", raw, err)
	}
	want := base.Add(48 * time.Hour)
	if !got.Equal(want) {
		t.Fatalf("latest_contact = %v, want %v", got, want)
	}
}

func TestChangeReplenishmentUnengaged(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	if err := l.ChangeReplenishment(context.Background(), 99, dec(t, "5")); !errors.Is(err, ErrNotEngaged) {
		t.Fatalf("ChangeReplenishment = %v, want ErrNotEngaged", err)
	}
}
