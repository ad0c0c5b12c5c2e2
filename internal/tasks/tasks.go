// Package tasks is the execution surface for the task names kept in the
// schedule store. A registry maps each name to a handler; the schedule
// orchestrator refuses to write rows for names the registry does not
// know, so every stored task stays runnable.
package tasks

import (
	"context"
	"fmt"
	"sort"

	"budgenator/internal/catalog"
	"budgenator/internal/domain"
	"budgenator/internal/guard"
	"budgenator/internal/ledger"
	"budgenator/internal/reaper"
	"budgenator/internal/transport"
	"budgenator/pkg/logx"
)

// Handler runs one task invocation. Global tasks ignore chatID.
type Handler func(ctx context.Context, chatID int64) error

// Registry resolves task names to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Has reports whether name resolves to a handler. The orchestrator calls
// this before committing schedule rows.
func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered task names, sorted for stable output.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Run(ctx context.Context, name string, chatID int64) error {
	h, ok := r.handlers[name]
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return h(ctx, chatID)
}

// Deps are the collaborators the built-in handlers work against.
type Deps struct {
	Ledger  *ledger.Ledger
	Catalog *catalog.Catalog
	Reaper  *reaper.Reaper
	Sender  transport.Sender
	Guard   *guard.Guard
	Log     logx.Logger
}

// NewDefaultRegistry wires every built-in task. Chat-bound handlers run
// under a chat-scoped guard op; the idle sweep runs as a global op.
func NewDefaultRegistry(d Deps) *Registry {
	r := NewRegistry()
	r.Register(domain.TaskRefillBalance, d.refillBalance)
	r.Register(domain.TaskAnnulBalance, d.annulBalance)
	r.Register(domain.TaskSendReminder, d.sendReminder)
	r.Register(domain.TaskTerminateIdle, d.terminateIdle)
	return r
}

func (d Deps) refillBalance(ctx context.Context, chatID int64) error {
	return d.Guard.Run(ctx, guard.Op{
		Name:   domain.TaskRefillBalance,
		ChatID: chatID,
		Do: func(ctx context.Context) error {
			// A task firing on a chat that has since moved to another
			// lifecycle state is normal operation: skip quietly.
			switch err := d.Ledger.TopUpDefault(ctx, chatID); {
			case err == nil:
				d.Log.Info("balance refilled", logx.Int64("chat_id", chatID))
				return nil
			case ledger.IsStateSignal(err):
				d.Log.Info("refill skipped", logx.Int64("chat_id", chatID), logx.Err(err))
				return nil
			default:
				return err
			}
		},
	})
}

func (d Deps) annulBalance(ctx context.Context, chatID int64) error {
	return d.Guard.Run(ctx, guard.Op{
		Name:   domain.TaskAnnulBalance,
		ChatID: chatID,
		Do: func(ctx context.Context) error {
			switch err := d.Ledger.Annul(ctx, chatID); {
			case err == nil:
				d.Log.Info("balance annulled", logx.Int64("chat_id", chatID))
				return nil
			case ledger.IsStateSignal(err):
				d.Log.Info("annulment skipped", logx.Int64("chat_id", chatID), logx.Err(err))
				return nil
			default:
				return err
			}
		},
	})
}

func (d Deps) sendReminder(ctx context.Context, chatID int64) error {
	return d.Guard.Run(ctx, guard.Op{
		Name:   domain.TaskSendReminder,
		ChatID: chatID,
		Do: func(ctx context.Context) error {
			bal, err := d.Ledger.Balance(ctx, chatID)
			switch {
			case ledger.IsStateSignal(err):
				d.Log.Info("reminder skipped", logx.Int64("chat_id", chatID), logx.Err(err))
				return nil
			case err != nil:
				return err
			}
			if d.Sender == nil {
				return fmt.Errorf("reminder for chat %d: no transport wired", chatID)
			}
			text := fmt.Sprintf("%s %s", d.Catalog.Get(ctx, "reminder", "text"), bal.String())
			if _, err := d.Sender.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil); err != nil {
				return fmt.Errorf("send reminder to chat %d: %w", chatID, err)
			}
			d.Log.Info("reminder sent", logx.Int64("chat_id", chatID))
			return nil
		},
	})
}

func (d Deps) terminateIdle(ctx context.Context, _ int64) error {
	return d.Guard.Run(ctx, guard.Op{
		Name: domain.TaskTerminateIdle,
		Do: func(ctx context.Context) error {
			return d.Reaper.Sweep(ctx)
		},
	})
}
