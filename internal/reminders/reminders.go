// Package reminders posts scheduled prompts into channels on cron
// expressions. Each due reminder runs through the one-shot generation
// path so the reply uses the same persona and backend selection as
// live chat.
package reminders

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/parley/internal/config"
)

// tickInterval is the due-check cadence. Cron granularity is one
// minute, so anything under that works.
const tickInterval = 30 * time.Second

// Generator produces and delivers a reply for a synthetic prompt. The
// router implements this.
type Generator interface {
	GenerateOneShot(ctx context.Context, source, channelID, promptText string) error
}

// Service evaluates reminder schedules against a live config snapshot.
type Service struct {
	watcher *config.Watcher
	gen     Generator
	cron    *gronx.Gronx
	now     func() time.Time

	// lastFired de-duplicates within a cron minute.
	lastFired map[string]time.Time
}

// New creates the reminder service.
func New(watcher *config.Watcher, gen Generator) *Service {
	return &Service{
		watcher:   watcher,
		gen:       gen,
		cron:      gronx.New(),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
}

// Start runs the schedule loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Service) tick(ctx context.Context) {
	cfg, _ := s.watcher.Snapshot()
	now := s.now()

	for _, rem := range cfg.Reminders {
		if rem.Cron == "" || rem.Channel == "" || rem.Prompt == "" {
			continue
		}
		due, err := s.cron.IsDue(rem.Cron, now)
		if err != nil {
			slog.Warn("invalid reminder cron expression", "cron", rem.Cron, "error", err)
			continue
		}
		if !due {
			continue
		}

		key := rem.Cron + "\x00" + rem.Channel + "\x00" + rem.Prompt
		if last, ok := s.lastFired[key]; ok && now.Sub(last) < time.Minute {
			continue
		}
		s.lastFired[key] = now

		source := rem.Source
		if source == "" {
			source = "discord"
		}

		slog.Info("reminder due", "channel", rem.Channel, "source", source, "cron", rem.Cron)
		if err := s.gen.GenerateOneShot(ctx, source, rem.Channel, rem.Prompt); err != nil {
			slog.Error("reminder delivery failed",
				"channel", rem.Channel, "cron", rem.Cron, "error", err)
		}
	}
}
