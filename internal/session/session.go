// Package session implements chat-session history injection and transcript
// append. It has no teacher analogue; it is grounded on the teacher's
// segregated storage-interface style (internal/storage/storage.go) and
// internal/worker's drain-on-shutdown discipline, applied to a second
// channel of appends instead of usage records.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/storage"
)

const (
	appendChanSize  = 1000
	appendBatchSize = 50
	appendFlushEvery = 2 * time.Second
	appendDrainTime  = 30 * time.Second

	// defaultHistoryWindow bounds how many past turns are injected
	// pre-flight when the caller does not specify one.
	defaultHistoryWindow = 20
)

// pendingAppend is one queued (session_id, request_id) transcript write.
type pendingAppend struct {
	sessionID string
	requestID string
	messages  []core.SessionMessage
}

// Appender injects session history pre-flight and persists new turns
// post-flight, off the client-facing hot path.
type Appender struct {
	store storage.SessionStore
	ch    chan pendingAppend
}

// New creates an Appender backed by store.
func New(store storage.SessionStore) *Appender {
	return &Appender{
		store: store,
		ch:    make(chan pendingAppend, appendChanSize),
	}
}

// Name returns the worker identifier, for internal/worker.Runner.
func (a *Appender) Name() string { return "session_appender" }

// History loads up to n of the session's most recent messages, oldest
// first, ready to prepend to an outgoing NormalizedRequest's message
// sequence. n <= 0 uses defaultHistoryWindow.
func (a *Appender) History(ctx context.Context, sessionID string, n int) ([]core.Message, error) {
	if n <= 0 {
		n = defaultHistoryWindow
	}
	msgs, err := a.store.ListMessages(ctx, sessionID, 0, math.MaxInt32)
	if err != nil {
		return nil, err
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]core.Message, len(msgs))
	for i, m := range msgs {
		out[i] = core.Message{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

// Append enqueues the user and assistant turns for a completed request. It
// never blocks; on a full channel the append is dropped and logged, per
// the base spec's failure semantics (session persistence never fails the
// already-served request).
func (a *Appender) Append(sessionID, requestID, userContent, assistantContent string, assistantTokens int) {
	if sessionID == "" {
		return
	}
	now := time.Now()
	pending := pendingAppend{
		sessionID: sessionID,
		requestID: requestID,
		messages: []core.SessionMessage{
			{SessionID: sessionID, RequestID: requestID, Role: "user", Content: textContent(userContent), CreatedAt: now},
			{SessionID: sessionID, RequestID: requestID, Role: "assistant", Content: textContent(assistantContent), Tokens: assistantTokens, CreatedAt: now},
		},
	}
	select {
	case a.ch <- pending:
	default:
		slog.Warn("session append dropped, channel full", slog.String("session_id", sessionID))
	}
}

// Run processes queued appends until ctx is cancelled, then drains
// remaining appends with a bounded timeout.
func (a *Appender) Run(ctx context.Context) error {
	ticker := time.NewTicker(appendFlushEvery)
	defer ticker.Stop()

	buf := make([]pendingAppend, 0, appendBatchSize)
	for {
		select {
		case p := <-a.ch:
			buf = append(buf, p)
			if len(buf) >= appendBatchSize {
				a.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				a.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			a.drain(buf)
			return nil
		}
	}
}

func (a *Appender) drain(buf []pendingAppend) {
	ctx, cancel := context.WithTimeout(context.Background(), appendDrainTime)
	defer cancel()

	for {
		select {
		case p := <-a.ch:
			buf = append(buf, p)
		default:
			if len(buf) > 0 {
				a.flush(ctx, buf)
			}
			return
		}
	}
}

// flush writes each pending append individually: AppendMessages is keyed by
// (session_id, request_id) and idempotent, so a partial failure in one
// session's append cannot be papered over by batching it with another's.
func (a *Appender) flush(ctx context.Context, buf []pendingAppend) {
	for _, p := range buf {
		if err := a.store.AppendMessages(ctx, p.sessionID, p.requestID, p.messages); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "session append failed",
				slog.String("session_id", p.sessionID),
				slog.String("request_id", p.requestID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func textContent(s string) json.RawMessage {
	out, _ := json.Marshal(s)
	return out
}
