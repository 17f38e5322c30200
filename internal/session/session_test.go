package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/testutil"
)

// runAndDrain starts a. Run in the background, waits for drain to flush the
// given operations, and blocks until Run returns.
func runAndDrain(t *testing.T, a *Appender, do func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	do()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestAppender_Append_PersistsUserAndAssistantTurns(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	a := New(store)

	runAndDrain(t, a, func() {
		a.Append("sess-1", "req-1", "hello", "hi there", 4)
	})

	msgs, err := store.ListMessages(context.Background(), "sess-1", 0, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("roles = [%s, %s], want [user, assistant]", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Tokens != 4 {
		t.Fatalf("assistant tokens = %d, want 4", msgs[1].Tokens)
	}
}

func TestAppender_Append_EmptySessionIDIsNoop(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	a := New(store)

	runAndDrain(t, a, func() {
		a.Append("", "req-1", "hello", "hi there", 4)
	})

	msgs, err := store.ListMessages(context.Background(), "", 0, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("len(msgs) = %d, want 0 for empty session id", len(msgs))
	}
}

func TestAppender_Append_IdempotentOnReplayedRequestID(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	a := New(store)

	runAndDrain(t, a, func() {
		a.Append("sess-1", "req-1", "hello", "hi there", 4)
		a.Append("sess-1", "req-1", "hello", "hi there", 4) // replay, same request id
	})

	msgs, err := store.ListMessages(context.Background(), "sess-1", 0, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2 (replay must not duplicate)", len(msgs))
	}
}

func TestAppender_History_ReturnsStoredTurnsInOrder(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	a := New(store)

	text, _ := json.Marshal("hi")
	store.AddSessionMessages("sess-1", []core.SessionMessage{
		{SessionID: "sess-1", Role: "user", Content: text, CreatedAt: time.Now()},
		{SessionID: "sess-1", Role: "assistant", Content: text, CreatedAt: time.Now()},
	})

	got, err := a.History(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Role != "user" || got[1].Role != "assistant" {
		t.Fatalf("roles = [%s, %s], want [user, assistant]", got[0].Role, got[1].Role)
	}
}

func TestAppender_History_DefaultsWindowWhenNonPositive(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	a := New(store)

	text, _ := json.Marshal("hi")
	var msgs []core.SessionMessage
	for i := 0; i < defaultHistoryWindow+5; i++ {
		msgs = append(msgs, core.SessionMessage{SessionID: "sess-1", Role: "user", Content: text, CreatedAt: time.Now()})
	}
	store.AddSessionMessages("sess-1", msgs)

	got, err := a.History(context.Background(), "sess-1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != defaultHistoryWindow {
		t.Fatalf("len(got) = %d, want %d (default window)", len(got), defaultHistoryWindow)
	}
}
