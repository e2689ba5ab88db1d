package session

import (
	"context"
	"testing"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"
	"github.com/rcs/ollama-discord/internal/storage"
)

func newManager(t *testing.T, gap, timeout time.Duration, depth int, clock func() time.Time) *Manager {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(Config{
		Store:        store,
		Gap:          gap,
		Timeout:      timeout,
		ContextDepth: depth,
		Clock:        clock,
	})
}

func userMsg(content string, ts time.Time) domain.StoredMessage {
	return domain.StoredMessage{Role: domain.RoleUser, Content: content, Timestamp: ts}
}

func TestID_Deterministic(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if ID("sage", "c1:u1", start) != ID("sage", "c1:u1", start) {
		t.Error("same inputs produced different session ids")
	}
	if ID("sage", "c1:u1", start) == ID("spark", "c1:u1", start) {
		t.Error("different agents produced the same session id")
	}
	if ID("sage", "c1:u1", start) == ID("sage", "c1:u2", start) {
		t.Error("different scopes produced the same session id")
	}
	if ID("sage", "c1:u1", start) == ID("sage", "c1:u1", start.Add(time.Second)) {
		t.Error("different start times produced the same session id")
	}
}

func TestManager_GapLaw(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	gap := 300 * time.Second
	m := newManager(t, gap, time.Hour, 10, func() time.Time { return base })
	ctx := context.Background()

	// Messages at t=0 and t=250 share a session.
	s1, err := m.Observe(ctx, "sage", "c1:u1", userMsg("first", base))
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Observe(ctx, "sage", "c1:u1", userMsg("second", base.Add(250*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != s2.ID {
		t.Errorf("messages %v apart landed in different sessions", 250*time.Second)
	}

	// The message at t=600 starts a new session.
	s3, err := m.Observe(ctx, "sage", "c1:u1", userMsg("third", base.Add(600*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if s3.ID == s2.ID {
		t.Error("message past the gap stayed in the old session")
	}
	if s3.StartedAt != base.Add(600*time.Second) {
		t.Errorf("new session start = %v, want t=600", s3.StartedAt)
	}
}

func TestManager_GapBoundaryIsExclusive(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	gap := 300 * time.Second
	m := newManager(t, gap, time.Hour, 10, func() time.Time { return base })
	ctx := context.Background()

	s1, err := m.Observe(ctx, "sage", "c1:u1", userMsg("first", base))
	if err != nil {
		t.Fatal(err)
	}
	// Exactly the gap apart: new session.
	s2, err := m.Observe(ctx, "sage", "c1:u1", userMsg("second", base.Add(gap)))
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID == s2.ID {
		t.Error("idle time equal to the gap should start a new session")
	}
}

func TestManager_ContextIsolation(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m := newManager(t, 300*time.Second, time.Hour, 3, func() time.Time { return now })
	ctx := context.Background()

	for i, offset := range []time.Duration{0, 250 * time.Second, 600 * time.Second} {
		if _, err := m.Observe(ctx, "sage", "c1:u1", userMsg([]string{"a", "b", "c"}[i], base.Add(offset))); err != nil {
			t.Fatal(err)
		}
	}

	// After the third message only the new session's content is visible.
	now = base.Add(600 * time.Second)
	msgs, err := m.Context(ctx, "sage", "c1:u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "c" {
		t.Errorf("context = %+v, want only the t=600 message", msgs)
	}
}

func TestManager_ContextEmptyAfterGap(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m := newManager(t, 300*time.Second, time.Hour, 10, func() time.Time { return now })
	ctx := context.Background()

	if _, err := m.Observe(ctx, "sage", "c1:u1", userMsg("hello", base)); err != nil {
		t.Fatal(err)
	}

	// Reading long after the gap lazily closes the session and returns an
	// empty context; the close is idempotent on repeat reads.
	now = base.Add(time.Hour)
	for i := 0; i < 2; i++ {
		msgs, err := m.Context(ctx, "sage", "c1:u1")
		if err != nil {
			t.Fatalf("Context (call %d): %v", i+1, err)
		}
		if len(msgs) != 0 {
			t.Errorf("stale session leaked %d messages into context", len(msgs))
		}
	}
}

func TestManager_ContextDepth(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(t, time.Hour, time.Hour, 2, func() time.Time { return base.Add(4 * time.Second) })
	ctx := context.Background()

	for i, content := range []string{"one", "two", "three"} {
		if _, err := m.Observe(ctx, "sage", "c1:u1", userMsg(content, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := m.Context(ctx, "sage", "c1:u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("context = %+v, want last 2 messages in order", msgs)
	}
}

func TestManager_ScopesAreIndependent(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(t, 300*time.Second, time.Hour, 10, func() time.Time { return base })
	ctx := context.Background()

	s1, err := m.Observe(ctx, "sage", "c1:u1", userMsg("hi", base))
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Observe(ctx, "sage", "c1:u2", userMsg("hi", base))
	if err != nil {
		t.Fatal(err)
	}
	s3, err := m.Observe(ctx, "spark", "c1:u1", userMsg("hi", base))
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID == s2.ID || s1.ID == s3.ID {
		t.Error("sessions are not isolated per (agent, scope)")
	}
}

func TestManager_ActiveSessions(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m := newManager(t, 300*time.Second, time.Hour, 10, func() time.Time { return now })
	ctx := context.Background()

	if _, err := m.Observe(ctx, "sage", "c1:u1", userMsg("hi", base)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Observe(ctx, "sage", "c2:u2", userMsg("hi", base.Add(30*time.Minute))); err != nil {
		t.Fatal(err)
	}

	// Past the recovery timeout for the first session only.
	now = base.Add(70 * time.Minute)
	live, err := m.ActiveSessions(ctx, "sage")
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].Scope != "c2:u2" {
		t.Errorf("ActiveSessions = %+v, want only the c2:u2 session", live)
	}
}

func TestManager_Summarize(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m := newManager(t, 300*time.Second, time.Hour, 10, func() time.Time { return now })
	ctx := context.Background()

	for i, ts := range []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Minute)} {
		scope := "c1:u1"
		if i == 2 {
			scope = "c2:u2"
		}
		if _, err := m.Observe(ctx, "sage", scope, userMsg("hi", ts)); err != nil {
			t.Fatal(err)
		}
	}

	now = base.Add(3 * time.Minute)
	sum, err := m.Summarize(ctx, "sage")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Agent != "sage" {
		t.Errorf("Agent = %q, want sage", sum.Agent)
	}
	if len(sum.ActiveSessions) != 2 {
		t.Fatalf("ActiveSessions = %d, want 2", len(sum.ActiveSessions))
	}
	if sum.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", sum.MessageCount)
	}
	if !sum.OldestStart.Equal(base) {
		t.Errorf("OldestStart = %v, want %v", sum.OldestStart, base)
	}
}
