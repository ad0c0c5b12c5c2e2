// Package mock is a console transport for local runs: stdin lines come
// in as updates, sends are printed to stdout. It lets the whole bot be
// exercised without a Telegram token.
package mock

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"

	kit "budgenator/internal/transport"
	logx "budgenator/pkg/logx"
)

type Config struct {
	// ChatID of the simulated chat. 0 picks a random id, giving a fresh
	// conversation each run.
	ChatID int64
	In     io.Reader // nil = os.Stdin
	Out    io.Writer // nil = os.Stdout
}

type Adapter struct {
	log    logx.Logger
	chatID int64
	in     io.Reader
	out    io.Writer

	mu       sync.Mutex
	buttons  []kit.Button // flattened last keyboard
	writeMu  sync.Mutex
	seq      int
	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg Config, log logx.Logger) *Adapter {
	chatID := cfg.ChatID
	if chatID == 0 {
		chatID = rand.Int64N(100000) + 1
	}
	in := cfg.In
	if in == nil {
		in = os.Stdin
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	return &Adapter{
		log:     log,
		chatID:  chatID,
		in:      in,
		out:     out,
		stopped: make(chan struct{}),
	}
}

// ChatID returns the simulated chat id.
func (a *Adapter) ChatID() int64 { return a.chatID }

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	lines := make(chan string)

	// The reader blocks on stdin and cannot be cancelled; it is simply
	// abandoned at shutdown.
	go func() {
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			case <-a.stopped:
				return
			}
		}
		close(lines)
	}()

	go func() {
		a.log.Info("console transport ready", logx.Int64("chat_id", a.chatID))
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopped:
				return
			case line, ok := <-lines:
				if !ok {
					a.log.Info("console input closed")
					return
				}
				text := strings.TrimSpace(line)
				if text == "" {
					continue
				}
				select {
				case out <- a.toUpdate(text):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return nil
}

// toUpdate converts a typed line into an update. Typing the label or
// data of a button from the last printed keyboard counts as pressing
// that button; anything else is a plain message.
func (a *Adapter) toUpdate(text string) kit.Update {
	a.mu.Lock()
	buttons := a.buttons
	a.mu.Unlock()

	for _, b := range buttons {
		if strings.EqualFold(text, b.Label) || strings.EqualFold(text, b.Data) {
			return kit.Update{
				Kind: kit.UpdateCallback,
				Callback: &kit.Callback{
					ID:     strconv.Itoa(a.nextSeq()),
					ChatID: a.chatID,
					FromID: a.chatID,
					Data:   b.Data,
				},
			}
		}
	}
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:     a.nextSeq(),
			ChatID: a.chatID,
			FromID: a.chatID,
			Text:   text,
		},
	}
}

// nextSeq hands out message ids. Inbound conversion and outbound sends
// run on different goroutines, so the counter shares the buttons mutex.
func (a *Adapter) nextSeq() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopped) })
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	fmt.Fprintf(a.out, "bot> %s\n", text)

	var flat []kit.Button
	if opt != nil && len(opt.Buttons) > 0 {
		for _, row := range opt.Buttons {
			var cells []string
			for _, b := range row {
				cells = append(cells, "["+b.Label+"]")
				flat = append(flat, b)
			}
			fmt.Fprintf(a.out, "     %s\n", strings.Join(cells, " "))
		}
	}

	a.mu.Lock()
	if len(flat) > 0 {
		a.buttons = flat
	}
	a.mu.Unlock()

	return kit.MessageRef{ChatID: to.ChatID, MessageID: a.nextSeq()}, nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if strings.TrimSpace(text) != "" {
		a.writeMu.Lock()
		fmt.Fprintf(a.out, "bot> (%s)\n", text)
		a.writeMu.Unlock()
	}
	return nil
}
