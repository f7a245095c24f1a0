package memory

import (
	"fmt"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// clockMemory returns a Memory with a controllable clock.
func clockMemory(capacity int) (*Memory, *time.Time) {
	m := New(capacity)
	now := base
	m.now = func() time.Time { return now }
	return m, &now
}

func rec(channel, author, content string, bot bool, at time.Time) Record {
	return Record{
		MessageID:  fmt.Sprintf("%s-%s-%d", channel, author, at.UnixNano()),
		ChannelID:  channel,
		AuthorID:   author,
		AuthorName: author,
		Content:    content,
		IsBot:      bot,
		CreatedAt:  at,
	}
}

func TestRecordEvictsOldest(t *testing.T) {
	m, _ := clockMemory(3)
	for i := 0; i < 5; i++ {
		m.Record(rec("c", "u", fmt.Sprintf("msg %d", i), false, base.Add(time.Duration(i)*time.Second)))
	}
	got := m.Recent("c", 10)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Content != "msg 2" || got[2].Content != "msg 4" {
		t.Errorf("unexpected window: %q .. %q", got[0].Content, got[2].Content)
	}
}

func TestRecentSince(t *testing.T) {
	m, _ := clockMemory(10)
	for i := 0; i < 5; i++ {
		m.Record(rec("c", "u", fmt.Sprintf("msg %d", i), false, base.Add(time.Duration(i)*time.Minute)))
	}
	got := m.RecentSince("c", base.Add(3*time.Minute))
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Content != "msg 3" {
		t.Errorf("first = %q, want msg 3", got[0].Content)
	}
}

func TestMessagesSinceLastReply(t *testing.T) {
	m, now := clockMemory(10)
	m.Record(rec("c", "u1", "before", false, base.Add(-time.Minute)))

	*now = base
	m.OnReplied("c", "trigger-id")

	m.Record(rec("c", "u1", "after one", false, base.Add(time.Second)))
	m.Record(rec("c", "bot", "bot noise", true, base.Add(2*time.Second)))
	m.Record(rec("c", "u2", "after two", false, base.Add(3*time.Second)))

	if got := m.MessagesSinceLastReply("c"); got != 2 {
		t.Errorf("MessagesSinceLastReply = %d, want 2 (bot messages excluded)", got)
	}
}

func TestMessagesSinceLastReplyNoReplyYet(t *testing.T) {
	m, _ := clockMemory(10)
	m.Record(rec("c", "u", "a", false, base))
	m.Record(rec("c", "u", "b", false, base.Add(time.Second)))
	if got := m.MessagesSinceLastReply("c"); got != 2 {
		t.Errorf("MessagesSinceLastReply = %d, want 2", got)
	}
}

func TestResponsesInWindow(t *testing.T) {
	m, now := clockMemory(10)
	m.OnReplied("c", "m1")
	*now = base.Add(30 * time.Second)
	m.RecordResponseOnly("c")
	*now = base.Add(90 * time.Second)

	if got := m.ResponsesInWindow("c", 120*time.Second); got != 2 {
		t.Errorf("120s window = %d, want 2", got)
	}
	if got := m.ResponsesInWindow("c", 45*time.Second); got != 1 {
		t.Errorf("45s window = %d, want 1", got)
	}
}

func TestRecordResponseOnlyKeepsCooldownClock(t *testing.T) {
	m, now := clockMemory(10)
	m.OnReplied("c", "m1")
	last := m.LastReply("c")

	*now = base.Add(time.Minute)
	m.RecordResponseOnly("c")

	if got := m.LastReply("c"); !got.Equal(last) {
		t.Errorf("LastReply moved from %v to %v, want unchanged", last, got)
	}
	if got := m.ResponsesInWindow("c", 5*time.Minute); got != 2 {
		t.Errorf("ResponsesInWindow = %d, want 2", got)
	}
}

func TestConversationModeLifecycle(t *testing.T) {
	m, now := clockMemory(10)

	if m.ConversationModeActive("c") {
		t.Fatal("inactive channel reports active")
	}
	m.StartConversationMode("c", time.Minute, 2)
	if !m.ConversationModeActive("c") {
		t.Fatal("window should be active")
	}

	// Restart while active must not extend the window.
	*now = base.Add(50 * time.Second)
	m.StartConversationMode("c", time.Minute, 2)
	*now = base.Add(70 * time.Second)
	if m.ConversationModeActive("c") {
		t.Error("restart extended an active window")
	}
}

func TestConsumeConversationBudget(t *testing.T) {
	m, _ := clockMemory(10)
	m.StartConversationMode("c", time.Minute, 2)

	if !m.ConsumeConversationMessage("c") {
		t.Fatal("first consume failed")
	}
	if !m.ConsumeConversationMessage("c") {
		t.Fatal("second consume failed")
	}
	if m.ConsumeConversationMessage("c") {
		t.Error("consume beyond budget succeeded")
	}
	if m.ConversationModeActive("c") {
		t.Error("window active after budget exhausted")
	}
}

func TestConsumeInactive(t *testing.T) {
	m, _ := clockMemory(10)
	if m.ConsumeConversationMessage("c") {
		t.Error("consume on channel without window succeeded")
	}
}

func TestHasRespondedTo(t *testing.T) {
	m, _ := clockMemory(10)
	m.OnReplied("c", "m1")
	if !m.HasRespondedTo("c", "m1") {
		t.Error("answered message not remembered")
	}
	if m.HasRespondedTo("c", "m2") {
		t.Error("unanswered message reported as answered")
	}
	if m.HasRespondedTo("other", "m1") {
		t.Error("dedup leaked across channels")
	}
}

func TestHydrateEmptyChannel(t *testing.T) {
	m, _ := clockMemory(10)
	seed := []Record{
		rec("c", "u", "one", false, base),
		rec("c", "u", "two", false, base.Add(time.Second)),
	}
	m.Hydrate("c", seed)
	got := m.Recent("c", 10)
	if len(got) != 2 || got[0].Content != "one" || got[1].Content != "two" {
		t.Errorf("hydrated history wrong: %+v", got)
	}
}

func TestHydratePreservesExistingOrder(t *testing.T) {
	m, _ := clockMemory(10)
	live := rec("c", "u", "live", false, base.Add(time.Minute))
	m.Record(live)

	older := rec("c", "u", "older", false, base)
	newer := rec("c", "u", "newer", false, base.Add(2*time.Minute))
	dup := live
	m.Hydrate("c", []Record{older, dup, newer})

	got := m.Recent("c", 10)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (duplicate skipped)", len(got))
	}
	if got[0].Content != "older" || got[1].Content != "live" || got[2].Content != "newer" {
		t.Errorf("order wrong: %q %q %q", got[0].Content, got[1].Content, got[2].Content)
	}
}
