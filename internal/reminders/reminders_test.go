package reminders

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/parley/internal/config"
)

type recordedCall struct {
	source    string
	channelID string
	prompt    string
}

type fakeGenerator struct {
	calls []recordedCall
}

func (g *fakeGenerator) GenerateOneShot(_ context.Context, source, channelID, promptText string) error {
	g.calls = append(g.calls, recordedCall{source, channelID, promptText})
	return nil
}

func serviceFixture(t *testing.T, remindersJSON string) (*Service, *fakeGenerator) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	if err := os.WriteFile(path, []byte(`{reminders: `+remindersJSON+`}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	w := config.NewWatcher(path)
	t.Cleanup(w.Close)

	gen := &fakeGenerator{}
	return New(w, gen), gen
}

func TestTickFiresDueReminder(t *testing.T) {
	svc, gen := serviceFixture(t, `[
		{source: "telegram", channel: "chan-1", cron: "* * * * *", prompt: "daily digest"},
	]`)
	svc.now = func() time.Time {
		return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	}

	svc.tick(context.Background())

	if len(gen.calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(gen.calls))
	}
	call := gen.calls[0]
	if call.source != "telegram" || call.channelID != "chan-1" || call.prompt != "daily digest" {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestTickDeduplicatesWithinMinute(t *testing.T) {
	svc, gen := serviceFixture(t, `[
		{channel: "chan-1", cron: "* * * * *", prompt: "p"},
	]`)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	svc.tick(context.Background())
	now = base.Add(30 * time.Second)
	svc.tick(context.Background())

	if len(gen.calls) != 1 {
		t.Fatalf("got %d calls within one minute, want 1", len(gen.calls))
	}

	now = base.Add(time.Minute)
	svc.tick(context.Background())
	if len(gen.calls) != 2 {
		t.Fatalf("got %d calls after the next minute, want 2", len(gen.calls))
	}
}

func TestTickSkipsNonDueAndInvalid(t *testing.T) {
	svc, gen := serviceFixture(t, `[
		{channel: "chan-1", cron: "0 12 * * *", prompt: "noon only"},
		{channel: "chan-2", cron: "not a cron", prompt: "broken"},
	]`)
	svc.now = func() time.Time {
		return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	}

	svc.tick(context.Background())

	if len(gen.calls) != 0 {
		t.Fatalf("got %d calls, want 0", len(gen.calls))
	}
}

func TestDefaultSource(t *testing.T) {
	svc, gen := serviceFixture(t, `[
		{channel: "chan-1", cron: "* * * * *", prompt: "p"},
	]`)
	svc.now = func() time.Time {
		return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	}

	svc.tick(context.Background())

	if len(gen.calls) != 1 || gen.calls[0].source != "discord" {
		t.Fatalf("default source not applied: %+v", gen.calls)
	}
}
