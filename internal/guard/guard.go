// Package guard contains failures from bot operations: a failed op gets
// exactly one error log line and, when a chat is attached, one apology
// message carrying a correlation phrase the user can quote at support.
// The phrase appears in both places, which is the whole point.
package guard

import (
	"context"
	"strings"

	"budgenator/internal/catalog"
	"budgenator/internal/transport"
	"budgenator/pkg/logx"
	"budgenator/pkg/phrase"
)

// Op is one guarded operation. ChatID 0 marks a global op with no chat
// to notify; Args are extra fields for the failure log line.
type Op struct {
	Name   string
	ChatID int64
	Args   []logx.Field
	Do     func(ctx context.Context) error
}

type Guard struct {
	catalog *catalog.Catalog
	sender  transport.Sender
	phrases *phrase.Generator
	log     logx.Logger
}

func New(cat *catalog.Catalog, sender transport.Sender, phrases *phrase.Generator, log logx.Logger) *Guard {
	return &Guard{catalog: cat, sender: sender, phrases: phrases, log: log}
}

// Run executes op.Do and hands its error back unchanged. Failures are
// contained, not hidden: the caller still decides whether to retry.
func (g *Guard) Run(ctx context.Context, op Op) error {
	err := op.Do(ctx)
	if err == nil {
		return nil
	}

	trace := g.phrases.Phrase()

	fields := make([]logx.Field, 0, len(op.Args)+4)
	fields = append(fields,
		logx.String("op", op.Name),
		logx.String("trace_phrase", trace),
	)
	if op.ChatID != 0 {
		fields = append(fields, logx.Int64("chat_id", op.ChatID))
	}
	fields = append(fields, op.Args...)
	fields = append(fields, logx.Err(err))
	g.log.Error("operation failed", fields...)

	if op.ChatID != 0 && g.sender != nil {
		text := strings.Join([]string{
			g.catalog.Get(ctx, "error", "info"),
			trace,
			g.catalog.Get(ctx, "error", "contacts"),
		}, "\n")
		if _, sendErr := g.sender.SendText(ctx, transport.ChatTarget{ChatID: op.ChatID}, text, nil); sendErr != nil {
			g.log.Error("error notice undelivered",
				logx.Int64("chat_id", op.ChatID),
				logx.String("trace_phrase", trace),
				logx.Err(sendErr))
		}
	}
	return err
}
