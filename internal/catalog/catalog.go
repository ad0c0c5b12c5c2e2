// Package catalog serves the operator-editable bot copy kept in the core
// store's message table. Texts are addressed by (section, alias); lookups
// never fail, so a chat always gets something readable back even when the
// store is broken.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"budgenator/internal/storage"
	"budgenator/pkg/logx"
)

// CriticalError replaces any text the catalog cannot load.
const CriticalError = "Critical Server Error occurred. Please come back later!"

//go:embed defaults.yaml
var defaultsYAML []byte

const upsertSQL = `INSERT INTO message(section, alias, value) VALUES(?, ?, ?)
ON CONFLICT(section, alias) DO UPDATE SET value = excluded.value`

type Catalog struct {
	db  *sql.DB
	log logx.Logger
}

func New(db *sql.DB, log logx.Logger) *Catalog {
	return &Catalog{db: db, log: log}
}

// Get returns the text registered under section/alias. A missing row or a
// query error degrades to CriticalError; the failure is logged, not returned.
func (c *Catalog) Get(ctx context.Context, section, alias string) string {
	var value string
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM message WHERE section = ? AND alias = ?`,
		section, alias,
	).Scan(&value)
	if err != nil {
		c.log.Error("message lookup failed",
			logx.String("section", section),
			logx.String("alias", alias),
			logx.Err(err))
		return CriticalError
	}
	return value
}

// Upsert inserts or overwrites a single catalog entry.
func (c *Catalog) Upsert(ctx context.Context, section, alias, value string) error {
	if _, err := c.db.ExecContext(ctx, upsertSQL, section, alias, value); err != nil {
		return fmt.Errorf("upsert message %s/%s: %w", section, alias, err)
	}
	return nil
}

// Seed loads the embedded default copy. Aliases the defaults define are
// overwritten; entries the operator added on top are left alone.
func (c *Catalog) Seed(ctx context.Context) (int, error) {
	sections, err := parse(defaultsYAML)
	if err != nil {
		return 0, fmt.Errorf("embedded defaults: %w", err)
	}
	return c.store(ctx, sections)
}

// LoadFile replaces catalog entries from a YAML file laid out as
// section -> alias -> text and reports how many entries it wrote.
func (c *Catalog) LoadFile(ctx context.Context, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read catalog file: %w", err)
	}
	sections, err := parse(b)
	if err != nil {
		return 0, fmt.Errorf("catalog file %s: %w", path, err)
	}
	return c.store(ctx, sections)
}

func parse(b []byte) (map[string]map[string]string, error) {
	var sections map[string]map[string]string
	if err := yaml.Unmarshal(b, &sections); err != nil {
		return nil, err
	}
	return sections, nil
}

// store writes every entry in one transaction so a bad file never leaves
// the catalog half-replaced.
func (c *Catalog) store(ctx context.Context, sections map[string]map[string]string) (int, error) {
	n := 0
	err := storage.Tx(ctx, c.db, func(tx *sql.Tx) error {
		for section, aliases := range sections {
			for alias, value := range aliases {
				if _, err := tx.ExecContext(ctx, upsertSQL, section, alias, value); err != nil {
					return fmt.Errorf("upsert message %s/%s: %w", section, alias, err)
				}
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Watch reloads the catalog whenever the file at path changes, so copy
// edits land without restarting the bot. It watches the parent directory
// (editors that replace the file via rename keep working), debounces event
// bursts to dodge partial writes, and recreates the watcher with a jittered
// backoff when it breaks. Blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	wait := func() time.Duration {
		w := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return w
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			start := time.Now()
			n, err := c.LoadFile(ctx, path)
			if err != nil {
				c.log.Warn("catalog reload failed", logx.String("path", path), logx.Err(err))
				return
			}
			c.log.Info("catalog reloaded",
				logx.String("path", path),
				logx.Int("messages", n),
				logx.Duration("took", time.Since(start)))
		})
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			c.log.Warn("catalog watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait()):
				continue
			}
		}

		backoff = restartBackoffBase
		c.log.Debug("catalog watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				// Compare by basename; event paths differ across platforms.
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
						debounce()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means missed events; reload once and keep going.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					debounce()
					continue
				}
				c.log.Warn("catalog watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		waitFor := wait()
		c.log.Warn("catalog watcher stopped; restarting",
			logx.String("dir", dir),
			logx.String("file", file),
			logx.Duration("backoff", waitFor))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(waitFor):
		}
	}
}
