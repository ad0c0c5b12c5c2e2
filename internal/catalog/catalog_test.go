package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"budgenator/internal/storage"
	"budgenator/pkg/logx"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := storage.OpenCore(filepath.Join(t.TempDir(), "core.db"), 2*time.Second)
	if err != nil {
		t.Fatalf("OpenCore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, logx.Nop())
}

func TestGetFallsBackOnMissingEntry(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)

	if got := c.Get(context.Background(), "config", "menu"); got != CriticalError {
		t.Fatalf("Get on empty catalog = %q, want critical fallback", got)
	}
}

func TestUpsertOverwrites(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.Upsert(ctx, "config", "menu", "first"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := c.Upsert(ctx, "config", "menu", "second"); err != nil {
		t.Fatalf("Upsert again: %v", err)
	}
	if got := c.Get(ctx, "config", "menu"); got != "second" {
		t.Fatalf("Get = %q, want %q", got, "second")
	}
}

func TestSeedCoversEveryTextTheBotAsksFor(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)
	ctx := context.Background()

	n, err := c.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n == 0 {
		t.Fatal("Seed wrote no entries")
	}

	// Every pair a handler looks up must exist in the embedded defaults,
	// otherwise chats see the critical fallback out of the box.
	lookups := []struct{ section, alias string }{
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
		{"reminder", "text"},
	}
	for _, l := range lookups {
		if got := c.Get(ctx, l.section, l.alias); got == CriticalError {
			t.Errorf("Get(%s, %s) fell back to the critical text", l.section, l.alias)
		}
	}
}

func TestSeedKeepsOperatorAdditions(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.Upsert(ctx, "custom", "greeting", "hello there"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := c.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if got := c.Get(ctx, "custom", "greeting"); got != "hello there" {
		t.Fatalf("Get(custom, greeting) = %q, want operator text to survive", got)
	}
}

func TestLoadFileReplacesEntries(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "copy.yaml")
	body := "config:\n  menu: custom menu text\nerror:\n  info: custom error text\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	n, err := c.LoadFile(ctx, path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("LoadFile wrote %d entries, want 2", n)
	}
	if got := c.Get(ctx, "config", "menu"); got != "custom menu text" {
		t.Fatalf("Get(config, menu) = %q, want file text", got)
	}
}

func TestLoadFileRejectsMalformedYAML(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "copy.yaml")
	if err := os.WriteFile(path, []byte("config: [not, a, map]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := c.LoadFile(ctx, path); err == nil {
		t.Fatal("LoadFile accepted a malformed file")
	}
}
