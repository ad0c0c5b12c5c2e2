// Package ledger owns the chat lifecycle and budget arithmetic on the
// core store. Every mutating operation runs in its own transaction, so
// a failure mid-operation never leaves partial writes behind.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"budgenator/internal/domain"
	"budgenator/internal/storage"
	logx "budgenator/pkg/logx"
)

// State signals. These are not failures: callers translate them into
// dialogue answers ("configure first", "this chat was closed") instead
// of sending them through the failure-containment path.
var (
	ErrNotEngaged     = errors.New("chat is not engaged")
	ErrAlreadyEngaged = errors.New("chat is already engaged")
	ErrNotConfigured  = errors.New("chat is not configured")
	ErrTerminated     = errors.New("chat is terminated")
)

type Ledger struct {
	db  *sql.DB
	log logx.Logger

	now func() time.Time
}

func New(db *sql.DB, log logx.Logger) *Ledger {
	return &Ledger{db: db, log: log, now: time.Now}
}

// Engage creates the chat row (INITIAL) and its budget in one commit.
// An engaged chat cannot be engaged again.
func (l *Ledger) Engage(ctx context.Context, chatID int64, replenishment, startBalance decimal.Decimal) error {
	if !replenishment.IsPositive() {
		return fmt.Errorf("engage chat %d: replenishment must be positive", chatID)
	}
	if startBalance.IsNegative() {
		return fmt.Errorf("engage chat %d: start balance must not be negative", chatID)
	}

	err := storage.Tx(ctx, l.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat WHERE chat_id = ?`, chatID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyEngaged
		}

		now := l.now().UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat(chat_id, state, created_at, latest_contact, schedule_ids, task_ids)
			 VALUES(?, ?, ?, ?, '[]', '[]')`,
			chatID, domain.StateInitial, now, now,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO budget(budget_id, chat_id, balance, replenishment) VALUES(?, ?, ?, ?)`,
			uuid.NewString(), chatID, startBalance.String(), replenishment.String(),
		)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyEngaged) {
			return err
		}
		return fmt.Errorf("engage chat %d: %w", chatID, err)
	}

	l.log.Info("chat engaged",
		logx.Int64("chat_id", chatID),
		logx.String("start_balance", startBalance.String()),
		logx.String("replenishment", replenishment.String()))
	return nil
}

// Engaged reports whether the chat has a ledger entry at all.
func (l *Ledger) Engaged(ctx context.Context, chatID int64) (bool, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat WHERE chat_id = ?`, chatID).Scan(&n); err != nil {
		return false, fmt.Errorf("engaged chat %d: %w", chatID, err)
	}
	return n > 0, nil
}

// State returns the chat's lifecycle state.
func (l *Ledger) State(ctx context.Context, chatID int64) (domain.State, error) {
	var s string
	err := l.db.QueryRowContext(ctx, `SELECT state FROM chat WHERE chat_id = ?`, chatID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotEngaged
	}
	if err != nil {
		return "", fmt.Errorf("state of chat %d: %w", chatID, err)
	}
	return domain.State(s), nil
}

// Balance returns the current balance of a CONFIGURED chat.
func (l *Ledger) Balance(ctx context.Context, chatID int64) (decimal.Decimal, error) {
	state, err := l.State(ctx, chatID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := configuredGate(state); err != nil {
		return decimal.Zero, err
	}

	var raw string
	if err := l.db.QueryRowContext(ctx, `SELECT balance FROM budget WHERE chat_id = ?`, chatID).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("balance of chat %d: %w", chatID, err)
	}
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance of chat %d: corrupt value %q: %w", chatID, raw, err)
	}
	return bal, nil
}

// Spend decreases the balance. The balance is allowed to go negative:
// an overdraft should be visible, not hidden.
func (l *Ledger) Spend(ctx context.Context, chatID int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("spend on chat %d: amount must be positive", chatID)
	}
	return l.adjustBalance(ctx, chatID, "spend", func(bal, _ decimal.Decimal) decimal.Decimal {
		return bal.Sub(amount)
	})
}

// TopUp increases the balance by an explicit amount.
func (l *Ledger) TopUp(ctx context.Context, chatID int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("top up chat %d: amount must be positive", chatID)
	}
	return l.adjustBalance(ctx, chatID, "top_up", func(bal, _ decimal.Decimal) decimal.Decimal {
		return bal.Add(amount)
	})
}

// TopUpDefault increases the balance by the budget's own replenishment
// amount. This is what a scheduled replenishment runs.
func (l *Ledger) TopUpDefault(ctx context.Context, chatID int64) error {
	return l.adjustBalance(ctx, chatID, "top_up_default", func(bal, repl decimal.Decimal) decimal.Decimal {
		return bal.Add(repl)
	})
}

// Annul resets the balance to exactly zero.
func (l *Ledger) Annul(ctx context.Context, chatID int64) error {
	return l.adjustBalance(ctx, chatID, "annul", func(decimal.Decimal, decimal.Decimal) decimal.Decimal {
		return decimal.Zero
	})
}

// adjustBalance runs one gated balance mutation in its own transaction.
// next receives the current balance and replenishment and returns the
// new balance.
func (l *Ledger) adjustBalance(ctx context.Context, chatID int64, op string, next func(bal, repl decimal.Decimal) decimal.Decimal) error {
	var newBal decimal.Decimal
	err := storage.Tx(ctx, l.db, func(tx *sql.Tx) error {
		state, err := chatState(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if err := configuredGate(state); err != nil {
			return err
		}

		var rawBal, rawRepl string
		if err := tx.QueryRowContext(ctx, `SELECT balance, replenishment FROM budget WHERE chat_id = ?`, chatID).Scan(&rawBal, &rawRepl); err != nil {
			return err
		}
		bal, err := decimal.NewFromString(rawBal)
		if err != nil {
			return fmt.Errorf("corrupt balance %q: %w", rawBal, err)
		}
		repl, err := decimal.NewFromString(rawRepl)
		if err != nil {
			return fmt.Errorf("corrupt replenishment %q: %w", rawRepl, err)
		}

		newBal = next(bal, repl)
		_, err = tx.ExecContext(ctx, `UPDATE budget SET balance = ? WHERE chat_id = ?`, newBal.String(), chatID)
		return err
	})
	if err != nil {
		if IsStateSignal(err) {
			return err
		}
		return fmt.Errorf("%s on chat %d: %w", op, chatID, err)
	}

	l.log.Debug("balance updated",
		logx.Int64("chat_id", chatID),
		logx.String("op", op),
		logx.String("balance", newBal.String()))
	return nil
}

// ChangeReplenishment updates the budget's replenishment amount.
func (l *Ledger) ChangeReplenishment(ctx context.Context, chatID int64, size decimal.Decimal) error {
	if !size.IsPositive() {
		return fmt.Errorf("change replenishment on chat %d: size must be positive", chatID)
	}
	err := storage.Tx(ctx, l.db, func(tx *sql.Tx) error {
		state, err := chatState(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if err := configuredGate(state); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE budget SET replenishment = ? WHERE chat_id = ?`, size.String(), chatID)
		return err
	})
	if err != nil {
		if IsStateSignal(err) {
			return err
		}
		return fmt.Errorf("change replenishment on chat %d: %w", chatID, err)
	}
	return nil
}

// RefreshLatestContact stamps the chat's latest-contact time. Chats
// without a ledger entry are ignored: the refresh happens on every
// inbound interaction, engaged or not.
func (l *Ledger) RefreshLatestContact(ctx context.Context, chatID int64) error {
	now := l.now().UTC().Format(time.RFC3339)
	_, err := l.db.ExecContext(ctx, `UPDATE chat SET latest_contact = ? WHERE chat_id = ?`, now, chatID)
	if err != nil {
		return fmt.Errorf("refresh latest contact of chat %d: %w", chatID, err)
	}
	return nil
}

// SetConfigured moves an INITIAL chat to CONFIGURED. Chats already
// CONFIGURED or TERMINATED are left as they are.
func (l *Ledger) SetConfigured(ctx context.Context, chatID int64) error {
	err := storage.Tx(ctx, l.db, func(tx *sql.Tx) error {
		state, err := chatState(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if state != domain.StateInitial {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE chat SET state = ? WHERE chat_id = ?`, domain.StateConfigured, chatID)
		return err
	})
	if err != nil {
		if IsStateSignal(err) {
			return err
		}
		return fmt.Errorf("set configured on chat %d: %w", chatID, err)
	}
	return nil
}

// SetTerminated moves the chat to TERMINATED, deletes its budget and
// clears its schedule bookkeeping, returning the ids that were owned so
// the caller can delete the schedule objects. Terminating an already
// terminated chat is a no-op with no ids.
func (l *Ledger) SetTerminated(ctx context.Context, chatID int64) (scheduleIDs, taskIDs []int64, err error) {
	err = storage.Tx(ctx, l.db, func(tx *sql.Tx) error {
		var state, rawSched, rawTasks string
		row := tx.QueryRowContext(ctx, `SELECT state, schedule_ids, task_ids FROM chat WHERE chat_id = ?`, chatID)
		if err := row.Scan(&state, &rawSched, &rawTasks); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotEngaged
			}
			return err
		}
		if domain.State(state) == domain.StateTerminated {
			return nil
		}

		scheduleIDs, err = idsFromJSON(rawSched)
		if err != nil {
			return fmt.Errorf("corrupt schedule_ids %q: %w", rawSched, err)
		}
		taskIDs, err = idsFromJSON(rawTasks)
		if err != nil {
			return fmt.Errorf("corrupt task_ids %q: %w", rawTasks, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE chat SET state = ?, schedule_ids = '[]', task_ids = '[]' WHERE chat_id = ?`,
			domain.StateTerminated, chatID,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM budget WHERE chat_id = ?`, chatID)
		return err
	})
	if err != nil {
		if IsStateSignal(err) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("terminate chat %d: %w", chatID, err)
	}

	l.log.Info("chat terminated",
		logx.Int64("chat_id", chatID),
		logx.Int("schedule_ids", len(scheduleIDs)),
		logx.Int("task_ids", len(taskIDs)))
	return scheduleIDs, taskIDs, nil
}

// AddScheduleRecordIDs appends one schedule id and one task id to the
// chat's bookkeeping in a single commit, keeping the two arrays in
// step. Terminated chats refuse new ids: their arrays were already
// cleared for good.
func (l *Ledger) AddScheduleRecordIDs(ctx context.Context, chatID, scheduleID, taskID int64) error {
	err := storage.Tx(ctx, l.db, func(tx *sql.Tx) error {
		var state, rawSched, rawTasks string
		row := tx.QueryRowContext(ctx, `SELECT state, schedule_ids, task_ids FROM chat WHERE chat_id = ?`, chatID)
		if err := row.Scan(&state, &rawSched, &rawTasks); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotEngaged
			}
			return err
		}
		if domain.State(state) == domain.StateTerminated {
			return ErrTerminated
		}

		sched, err := idsFromJSON(rawSched)
		if err != nil {
			return fmt.Errorf("corrupt schedule_ids %q: %w", rawSched, err)
		}
		tasks, err := idsFromJSON(rawTasks)
		if err != nil {
			return fmt.Errorf("corrupt task_ids %q: %w", rawTasks, err)
		}

		newSched, err := idsToJSON(append(sched, scheduleID))
		if err != nil {
			return err
		}
		newTasks, err := idsToJSON(append(tasks, taskID))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE chat SET schedule_ids = ?, task_ids = ? WHERE chat_id = ?`,
			newSched, newTasks, chatID,
		)
		return err
	})
	if err != nil {
		if IsStateSignal(err) {
			return err
		}
		return fmt.Errorf("record schedule ids on chat %d: %w", chatID, err)
	}
	return nil
}

// ScheduleRecordIDs returns the chat's recorded schedule and task ids.
func (l *Ledger) ScheduleRecordIDs(ctx context.Context, chatID int64) (scheduleIDs, taskIDs []int64, err error) {
	var rawSched, rawTasks string
	row := l.db.QueryRowContext(ctx, `SELECT schedule_ids, task_ids FROM chat WHERE chat_id = ?`, chatID)
	if err := row.Scan(&rawSched, &rawTasks); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotEngaged
		}
		return nil, nil, fmt.Errorf("schedule ids of chat %d: %w", chatID, err)
	}
	scheduleIDs, err = idsFromJSON(rawSched)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt schedule_ids %q: %w", rawSched, err)
	}
	taskIDs, err = idsFromJSON(rawTasks)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt task_ids %q: %w", rawTasks, err)
	}
	return scheduleIDs, taskIDs, nil
}

func chatState(ctx context.Context, tx *sql.Tx, chatID int64) (domain.State, error) {
	var s string
	err := tx.QueryRowContext(ctx, `SELECT state FROM chat WHERE chat_id = ?`, chatID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotEngaged
	}
	if err != nil {
		return "", err
	}
	return domain.State(s), nil
}

func configuredGate(state domain.State) error {
	switch state {
	case domain.StateConfigured:
		return nil
	case domain.StateTerminated:
		return ErrTerminated
	default:
		return ErrNotConfigured
	}
}

// IsStateSignal reports whether err is one of the lifecycle signals.
// Callers use it to separate "the chat is in another state" answers
// from genuine failures.
func IsStateSignal(err error) bool {
	return errors.Is(err, ErrNotEngaged) ||
		errors.Is(err, ErrAlreadyEngaged) ||
		errors.Is(err, ErrNotConfigured) ||
		errors.Is(err, ErrTerminated)
}

func idsFromJSON(raw string) ([]int64, error) {
	if raw == "" {
		return []int64{}, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

func idsToJSON(ids []int64) (string, error) {
	if ids == nil {
		ids = []int64{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
