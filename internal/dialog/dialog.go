// Package dialog drives the configuration conversation: a small FSM
// that walks a chat from event choice through schedule details to a
// committed crontab task. All updates are handled on one goroutine, so
// per-chat ordering is simply the call order.
package dialog

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"budgenator/internal/catalog"
	"budgenator/internal/domain"
	"budgenator/internal/guard"
	"budgenator/internal/ledger"
	"budgenator/internal/schedule"
	"budgenator/internal/transport"
	"budgenator/pkg/logx"
)

// doneData is the callback payload of the menu's DONE button.
const doneData = "DONE"

// Params collects the dialogue's collaborators. Replenishment and
// StartBalance are the defaults a chat is engaged with on its first
// committed schedule.
type Params struct {
	Sessions      *Sessions
	Ledger        *ledger.Ledger
	Orchestrator  *schedule.Orchestrator
	Catalog       *catalog.Catalog
	Sender        transport.Sender
	Guard         *guard.Guard
	Replenishment decimal.Decimal
	StartBalance  decimal.Decimal
	Log           logx.Logger
}

type Dialog struct {
	sessions *Sessions
	ledger   *ledger.Ledger
	orch     *schedule.Orchestrator
	catalog  *catalog.Catalog
	sender   transport.Sender
	guard    *guard.Guard
	repl     decimal.Decimal
	start    decimal.Decimal
	log      logx.Logger
}

func New(p Params) *Dialog {
	return &Dialog{
		sessions: p.Sessions,
		ledger:   p.Ledger,
		orch:     p.Orchestrator,
		catalog:  p.Catalog,
		sender:   p.Sender,
		guard:    p.Guard,
		repl:     p.Replenishment,
		start:    p.StartBalance,
		log:      p.Log,
	}
}

// Handle processes one inbound update. Any sign of life refreshes the
// chat's latest contact before routing; a chat without a session gets
// the first-contact sequence regardless of what it sent.
func (d *Dialog) Handle(ctx context.Context, upd transport.Update) {
	chatID := upd.ChatID()
	if chatID == 0 {
		d.log.Warn("update without a chat id dropped", logx.String("kind", string(upd.Kind)))
		return
	}

	if err := d.ledger.RefreshLatestContact(ctx, chatID); err != nil {
		d.log.Error("latest contact refresh failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}

	sess, ok := d.sessions.get(chatID)
	if !ok {
		d.firstContact(ctx, chatID)
	} else {
		switch sess.step {
		case StepEventType:
			d.stepEventType(ctx, chatID, sess, upd)
		case StepBasis:
			d.stepBasis(ctx, chatID, sess, upd)
		case StepDayOfWeek:
			d.stepDayOfWeek(ctx, chatID, sess, upd)
		case StepDayOfMonth:
			d.stepDayOfMonth(ctx, chatID, sess, upd)
		case StepTime:
			d.stepTime(ctx, chatID, sess, upd)
		case StepOnDuty:
			// Steady state: the contact refresh above is all there is.
		}
	}

	if upd.Kind == transport.UpdateCallback && upd.Callback != nil && upd.Callback.ID != "" {
		if err := d.sender.AnswerCallback(ctx, upd.Callback.ID, ""); err != nil {
			d.log.Debug("callback ack failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}
}

func (d *Dialog) firstContact(ctx context.Context, chatID int64) {
	d.send(ctx, chatID, d.catalog.Get(ctx, "first_contact", "welcome"), nil)
	d.send(ctx, chatID, d.catalog.Get(ctx, "first_contact", "overview"), nil)
	d.send(ctx, chatID, d.catalog.Get(ctx, "config", "intro"), nil)
	d.log.Info("first contact, awaiting configuration", logx.Int64("chat_id", chatID))
	d.sendMenu(ctx, chatID)
	d.sessions.put(chatID, &session{step: StepEventType})
}

func (d *Dialog) stepEventType(ctx context.Context, chatID int64, sess *session, upd transport.Update) {
	if upd.Kind != transport.UpdateCallback || upd.Callback == nil {
		d.sendMenu(ctx, chatID)
		return
	}
	data := upd.Callback.Data

	if data == doneData {
		d.finishConfig(ctx, chatID, sess)
		return
	}

	et, err := domain.ParseEventType(data)
	if err != nil {
		// Stray payload, likely a press on a stale keyboard.
		d.sendMenu(ctx, chatID)
		return
	}
	entry, err := domain.NewScheduleEntry(et)
	if err != nil {
		d.sendMenu(ctx, chatID)
		return
	}
	sess.entry = entry
	d.send(ctx, chatID, d.catalog.Get(ctx, "config", strings.ToLower(string(et))), nil)
	sess.step = StepBasis
	d.sendBasisPrompt(ctx, chatID)
}

// finishConfig resolves the DONE press against the chat's lifecycle
// state. A chat that never committed anything has no ledger row yet and
// counts as INITIAL.
func (d *Dialog) finishConfig(ctx context.Context, chatID int64, sess *session) {
	var state domain.State
	err := d.guard.Run(ctx, guard.Op{
		Name:   "dialog.finish_config",
		ChatID: chatID,
		Do: func(ctx context.Context) error {
			s, err := d.ledger.State(ctx, chatID)
			if errors.Is(err, ledger.ErrNotEngaged) {
				s, err = domain.StateInitial, nil
			}
			state = s
			return err
		},
	})
	if err != nil {
		return
	}

	switch state {
	case domain.StateConfigured:
		d.send(ctx, chatID, d.catalog.Get(ctx, "config", "success"), nil)
		sess.entry = nil
		sess.step = StepOnDuty
		d.log.Info("configuration finished, switching to duty", logx.Int64("chat_id", chatID))
	case domain.StateTerminated:
		d.send(ctx, chatID, d.catalog.Get(ctx, "config", "terminated"), nil)
		d.sessions.delete(chatID)
		d.log.Info("terminated chat tried to finish configuration", logx.Int64("chat_id", chatID))
	default:
		d.send(ctx, chatID, d.catalog.Get(ctx, "config", "not_configured"), nil)
		sess.step = StepEventType
		d.sendMenu(ctx, chatID)
	}
}

func (d *Dialog) stepBasis(ctx context.Context, chatID int64, sess *session, upd transport.Update) {
	if sess.entry == nil {
		d.restart(ctx, chatID, sess)
		return
	}
	if upd.Kind != transport.UpdateCallback || upd.Callback == nil {
		d.sendBasisPrompt(ctx, chatID)
		return
	}

	basis := domain.ScheduleBasis(upd.Callback.Data)
	if err := sess.entry.SetBasis(basis); err != nil {
		d.sendBasisPrompt(ctx, chatID)
		return
	}
	switch basis {
	case domain.BasisDaily:
		sess.step = StepTime
		d.sendTimePrompt(ctx, chatID, false)
	case domain.BasisDayOfWeek:
		sess.step = StepDayOfWeek
		d.sendDayOfWeekPrompt(ctx, chatID)
	case domain.BasisDayOfMonth:
		sess.step = StepDayOfMonth
		d.sendDayOfMonthPrompt(ctx, chatID, false)
	}
}

func (d *Dialog) stepDayOfWeek(ctx context.Context, chatID int64, sess *session, upd transport.Update) {
	if sess.entry == nil {
		d.restart(ctx, chatID, sess)
		return
	}
	if upd.Kind != transport.UpdateCallback || upd.Callback == nil {
		d.sendDayOfWeekPrompt(ctx, chatID)
		return
	}

	day, err := domain.ParseWeekday(upd.Callback.Data)
	if err != nil {
		d.sendDayOfWeekPrompt(ctx, chatID)
		return
	}
	if err := sess.entry.SetDayOfWeek(day); err != nil {
		d.sendDayOfWeekPrompt(ctx, chatID)
		return
	}
	sess.step = StepTime
	d.sendTimePrompt(ctx, chatID, false)
}

func (d *Dialog) stepDayOfMonth(ctx context.Context, chatID int64, sess *session, upd transport.Update) {
	if sess.entry == nil {
		d.restart(ctx, chatID, sess)
		return
	}
	if upd.Kind != transport.UpdateMessage || upd.Message == nil {
		d.sendDayOfMonthPrompt(ctx, chatID, false)
		return
	}

	day, err := strconv.Atoi(strings.TrimSpace(upd.Message.Text))
	if err != nil {
		d.sendDayOfMonthPrompt(ctx, chatID, true)
		return
	}
	if err := sess.entry.SetDayOfMonth(day); err != nil {
		d.sendDayOfMonthPrompt(ctx, chatID, true)
		return
	}
	sess.step = StepTime
	d.sendTimePrompt(ctx, chatID, false)
}

func (d *Dialog) stepTime(ctx context.Context, chatID int64, sess *session, upd transport.Update) {
	if sess.entry == nil {
		d.restart(ctx, chatID, sess)
		return
	}
	if upd.Kind != transport.UpdateMessage || upd.Message == nil {
		d.sendTimePrompt(ctx, chatID, false)
		return
	}

	clock, err := domain.ParseClock(upd.Message.Text)
	if err != nil {
		d.sendTimePrompt(ctx, chatID, true)
		return
	}
	if err := sess.entry.SetTime(clock); err != nil {
		d.sendTimePrompt(ctx, chatID, true)
		return
	}
	d.commitSchedule(ctx, chatID, sess)
}

// commitSchedule turns the completed entry into schedule objects. On
// failure the entry and step survive, so sending the time again simply
// retries the commit.
func (d *Dialog) commitSchedule(ctx context.Context, chatID int64, sess *session) {
	entry := sess.entry
	var terminated bool
	err := d.guard.Run(ctx, guard.Op{
		Name:   "dialog.commit_schedule",
		ChatID: chatID,
		Args: []logx.Field{
			logx.String("event_type", string(entry.EventType())),
			logx.String("basis", string(entry.Basis())),
		},
		Do: func(ctx context.Context) error {
			state, err := d.ledger.State(ctx, chatID)
			switch {
			case errors.Is(err, ledger.ErrNotEngaged):
				if err := d.ledger.Engage(ctx, chatID, d.repl, d.start); err != nil {
					return err
				}
			case err != nil:
				return err
			case state == domain.StateTerminated:
				// Lifecycle signal, resolved below rather than contained.
				terminated = true
				return nil
			}
			if _, err := d.orch.ScheduleCrontabTask(ctx, entry, chatID); err != nil {
				return err
			}
			if err := d.ledger.RefreshLatestContact(ctx, chatID); err != nil {
				return err
			}
			if entry.EventType() == domain.EventReplenishment {
				return d.ledger.SetConfigured(ctx, chatID)
			}
			return nil
		},
	})
	if err != nil {
		return
	}
	if terminated {
		d.send(ctx, chatID, d.catalog.Get(ctx, "config", "terminated"), nil)
		d.sessions.delete(chatID)
		d.log.Info("terminated chat tried to commit a schedule", logx.Int64("chat_id", chatID))
		return
	}

	d.log.Info("schedule committed",
		logx.Int64("chat_id", chatID),
		logx.String("event_type", string(entry.EventType())),
		logx.String("basis", string(entry.Basis())))
	sess.entry = nil
	sess.step = StepEventType
	d.sendMenu(ctx, chatID)
}

// restart is the escape hatch for a session whose entry went missing:
// back to the menu.
func (d *Dialog) restart(ctx context.Context, chatID int64, sess *session) {
	sess.entry = nil
	sess.step = StepEventType
	d.sendMenu(ctx, chatID)
}

func (d *Dialog) send(ctx context.Context, chatID int64, text string, buttons [][]transport.Button) {
	var opt *transport.SendOptions
	if len(buttons) > 0 {
		opt = &transport.SendOptions{Buttons: buttons}
	}
	if _, err := d.sender.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		d.log.Error("send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (d *Dialog) sendMenu(ctx context.Context, chatID int64) {
	d.send(ctx, chatID, d.catalog.Get(ctx, "config", "menu"), menuKeyboard())
}

func (d *Dialog) sendBasisPrompt(ctx context.Context, chatID int64) {
	d.send(ctx, chatID, d.catalog.Get(ctx, "config", "basis"), basisKeyboard())
}

func (d *Dialog) sendDayOfWeekPrompt(ctx context.Context, chatID int64) {
	d.send(ctx, chatID, d.catalog.Get(ctx, "config", "day_of_the_week"), weekdayKeyboard())
}

func (d *Dialog) sendDayOfMonthPrompt(ctx context.Context, chatID int64, repeated bool) {
	alias := "day_of_the_month"
	if repeated {
		alias = "day_of_the_month_wrong_input"
	}
	d.send(ctx, chatID, d.catalog.Get(ctx, "config", alias), nil)
}

func (d *Dialog) sendTimePrompt(ctx context.Context, chatID int64, repeated bool) {
	alias := "time"
	if repeated {
		alias = "time_wrong_input"
	}
	d.send(ctx, chatID, d.catalog.Get(ctx, "config", alias), nil)
}

func menuKeyboard() [][]transport.Button {
	return [][]transport.Button{
		{{Label: "T", Data: string(domain.EventReplenishment)}},
		{{Label: "A", Data: string(domain.EventAnnulment)}},
		{{Label: "R", Data: string(domain.EventReminder)}},
		{{Label: "DONE", Data: doneData}},
	}
}

func basisKeyboard() [][]transport.Button {
	return [][]transport.Button{
		{{Label: "D", Data: string(domain.BasisDaily)}},
		{{Label: "W", Data: string(domain.BasisDayOfWeek)}},
		{{Label: "M", Data: string(domain.BasisDayOfMonth)}},
	}
}

func weekdayKeyboard() [][]transport.Button {
	rows := make([][]transport.Button, 0, 7)
	for day := domain.Monday; day <= domain.Sunday; day++ {
		name := day.String()
		rows = append(rows, []transport.Button{{Label: name[:3], Data: name}})
	}
	return rows
}
