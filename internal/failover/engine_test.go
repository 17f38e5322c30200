package failover

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	core "github.com/creditgate/creditgate/internal"
	"github.com/creditgate/creditgate/internal/catalog"
	"github.com/creditgate/creditgate/internal/provider"
	"github.com/creditgate/creditgate/internal/testutil"
)

func routeTargets(t *testing.T, targets ...core.RouteTarget) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(targets)
	if err != nil {
		t.Fatalf("marshal targets: %v", err)
	}
	return b
}

func newTestEngine(t *testing.T, alias string, targets []core.RouteTarget, providers map[string]core.Provider) *Engine {
	t.Helper()
	store := testutil.NewFakeStore()
	store.AddRoute(&core.Route{ID: "r1", ModelAlias: alias, Targets: routeTargets(t, targets...)})
	router := catalog.NewRouter(store)

	reg := provider.NewRegistry()
	for name, p := range providers {
		reg.Register(name, p)
	}
	return New(reg, router, nil, nil)
}

func TestEngine_ChatCompletion_HappyPath(t *testing.T) {
	t.Parallel()
	a := &testutil.FakeProvider{ProviderName: "a"}
	e := newTestEngine(t, "gpt-4", []core.RouteTarget{{ProviderID: "a", Model: "gpt-4", Priority: 0}},
		map[string]core.Provider{"a": a})

	req := &core.NormalizedRequest{Model: "gpt-4"}
	res, err := e.ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Outcome != core.OutcomeOK {
		t.Fatalf("Attempts = %+v, want single ok attempt", res.Attempts)
	}
	if res.ProviderID != "a" {
		t.Fatalf("ProviderID = %q, want a", res.ProviderID)
	}
	// Original caller-facing model id must be restored after dispatch.
	if req.Model != "gpt-4" {
		t.Fatalf("req.Model = %q, want gpt-4 restored", req.Model)
	}
}

func TestEngine_ChatCompletion_FailsOverOnTransientError(t *testing.T) {
	t.Parallel()
	a := &testutil.FakeProvider{ProviderName: "a", ChatFn: func(ctx context.Context, req *core.NormalizedRequest) (*core.ChatResponse, error) {
		return nil, core.ErrProviderError // unclassified -> transient
	}}
	b := &testutil.FakeProvider{ProviderName: "b"}
	e := newTestEngine(t, "gpt-4",
		[]core.RouteTarget{{ProviderID: "a", Model: "gpt-4", Priority: 0}, {ProviderID: "b", Model: "gpt-4", Priority: 1}},
		map[string]core.Provider{"a": a, "b": b},
	)

	res, err := e.ChatCompletion(context.Background(), &core.NormalizedRequest{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if res.ProviderID != "b" {
		t.Fatalf("ProviderID = %q, want b (failover target)", res.ProviderID)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("len(Attempts) = %d, want 2", len(res.Attempts))
	}
	if res.Attempts[0].Outcome != core.OutcomeTransient {
		t.Fatalf("Attempts[0].Outcome = %v, want transient", res.Attempts[0].Outcome)
	}
	if res.Attempts[1].Outcome != core.OutcomeOK {
		t.Fatalf("Attempts[1].Outcome = %v, want ok", res.Attempts[1].Outcome)
	}
}

func TestEngine_ChatCompletion_PermanentErrorAbortsImmediately(t *testing.T) {
	t.Parallel()
	a := &testutil.FakeProvider{ProviderName: "a", ChatFn: func(ctx context.Context, req *core.NormalizedRequest) (*core.ChatResponse, error) {
		return nil, core.ErrBadRequest
	}}
	b := &testutil.FakeProvider{ProviderName: "b"}
	e := newTestEngine(t, "gpt-4",
		[]core.RouteTarget{{ProviderID: "a", Model: "gpt-4", Priority: 0}, {ProviderID: "b", Model: "gpt-4", Priority: 1}},
		map[string]core.Provider{"a": a, "b": b},
	)

	res, err := e.ChatCompletion(context.Background(), &core.NormalizedRequest{Model: "gpt-4"})
	if err == nil {
		t.Fatalf("expected error for permanent classification")
	}
	if !errors.Is(err, core.ErrBadRequest) {
		t.Fatalf("err = %v, want wrapping ErrBadRequest", err)
	}
	if len(res.Attempts) != 1 {
		t.Fatalf("len(Attempts) = %d, want 1 (no failover after permanent)", res.Attempts)
	}
}

func TestEngine_ChatCompletion_AllProvidersFailSurfacesProviderUnavailable(t *testing.T) {
	t.Parallel()
	failing := func(ctx context.Context, req *core.NormalizedRequest) (*core.ChatResponse, error) {
		return nil, core.ErrProviderError
	}
	a := &testutil.FakeProvider{ProviderName: "a", ChatFn: failing}
	b := &testutil.FakeProvider{ProviderName: "b", ChatFn: failing}
	e := newTestEngine(t, "gpt-4",
		[]core.RouteTarget{{ProviderID: "a", Model: "gpt-4", Priority: 0}, {ProviderID: "b", Model: "gpt-4", Priority: 1}},
		map[string]core.Provider{"a": a, "b": b},
	)

	res, err := e.ChatCompletion(context.Background(), &core.NormalizedRequest{Model: "gpt-4"})
	if !errors.Is(err, core.ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("len(Attempts) = %d, want 2", len(res.Attempts))
	}
}

func TestEngine_ChatCompletion_AuthErrorFailsOverOnLengthOneChain(t *testing.T) {
	t.Parallel()
	a := &testutil.FakeProvider{ProviderName: "a", ChatFn: func(ctx context.Context, req *core.NormalizedRequest) (*core.ChatResponse, error) {
		return nil, core.ErrUnauthorized
	}}
	e := newTestEngine(t, "gpt-4", []core.RouteTarget{{ProviderID: "a", Model: "gpt-4", Priority: 0}},
		map[string]core.Provider{"a": a})

	res, err := e.ChatCompletion(context.Background(), &core.NormalizedRequest{Model: "gpt-4"})
	if !errors.Is(err, core.ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable (chain exhausted)", err)
	}
	if res.Attempts[0].Outcome != core.OutcomeAuth {
		t.Fatalf("Attempts[0].Outcome = %v, want auth", res.Attempts[0].Outcome)
	}
}

func TestEngine_ChatCompletionStream_FailsOverBeforeFirstByte(t *testing.T) {
	t.Parallel()
	a := &testutil.FakeProvider{ProviderName: "a", StreamFn: func(ctx context.Context, req *core.NormalizedRequest) (<-chan core.StreamChunk, error) {
		return nil, core.ErrProviderError
	}}
	b := &testutil.FakeProvider{ProviderName: "b", StreamFn: func(ctx context.Context, req *core.NormalizedRequest) (<-chan core.StreamChunk, error) {
		return testutil.FakeStreamChan(core.StreamChunk{Data: []byte(`{"delta":"hi"}`)}), nil
	}}
	e := newTestEngine(t, "gpt-4",
		[]core.RouteTarget{{ProviderID: "a", Model: "gpt-4", Priority: 0}, {ProviderID: "b", Model: "gpt-4", Priority: 1}},
		map[string]core.Provider{"a": a, "b": b},
	)

	res, err := e.ChatCompletionStream(context.Background(), &core.NormalizedRequest{Model: "gpt-4", Stream: true})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}
	if res.ProviderID != "b" {
		t.Fatalf("ProviderID = %q, want b", res.ProviderID)
	}
	if res.Stream == nil {
		t.Fatalf("expected a non-nil stream from the fallback provider")
	}
}

func TestEngine_ChatCompletionStream_FailsOverOnPreCommitChunkError(t *testing.T) {
	t.Parallel()
	// "a" opens a stream successfully but its first chunk carries an error
	// (e.g. an in-band upstream failure) before any content byte -- this
	// must still be failover-eligible, not surfaced straight to the client.
	a := &testutil.FakeProvider{ProviderName: "a", StreamFn: func(ctx context.Context, req *core.NormalizedRequest) (<-chan core.StreamChunk, error) {
		return testutil.FakeStreamChan(core.StreamChunk{Err: core.ErrProviderError}), nil
	}}
	b := &testutil.FakeProvider{ProviderName: "b", StreamFn: func(ctx context.Context, req *core.NormalizedRequest) (<-chan core.StreamChunk, error) {
		return testutil.FakeStreamChan(core.StreamChunk{Data: []byte(`{"delta":"hi"}`)}), nil
	}}
	e := newTestEngine(t, "gpt-4",
		[]core.RouteTarget{{ProviderID: "a", Model: "gpt-4", Priority: 0}, {ProviderID: "b", Model: "gpt-4", Priority: 1}},
		map[string]core.Provider{"a": a, "b": b},
	)

	res, err := e.ChatCompletionStream(context.Background(), &core.NormalizedRequest{Model: "gpt-4", Stream: true})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}
	if res.ProviderID != "b" {
		t.Fatalf("ProviderID = %q, want b", res.ProviderID)
	}
	chunk, ok := <-res.Stream
	if !ok || chunk.Err != nil || string(chunk.Data) != `{"delta":"hi"}` {
		t.Fatalf("first chunk = %+v, ok = %v, want the fallback provider's content chunk", chunk, ok)
	}
}

func TestEngine_ChatCompletionStream_AllProvidersFailPreCommitSurfacesComposite(t *testing.T) {
	t.Parallel()
	a := &testutil.FakeProvider{ProviderName: "a", StreamFn: func(ctx context.Context, req *core.NormalizedRequest) (<-chan core.StreamChunk, error) {
		return testutil.FakeStreamChan(core.StreamChunk{Err: core.ErrProviderError}), nil
	}}
	e := newTestEngine(t, "gpt-4",
		[]core.RouteTarget{{ProviderID: "a", Model: "gpt-4", Priority: 0}},
		map[string]core.Provider{"a": a},
	)

	res, err := e.ChatCompletionStream(context.Background(), &core.NormalizedRequest{Model: "gpt-4", Stream: true})
	if err == nil {
		t.Fatal("expected an error when every target fails pre-commit")
	}
	if !errors.Is(err, core.ErrProviderUnavailable) {
		t.Fatalf("err = %v, want wrapping ErrProviderUnavailable", err)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Outcome != core.OutcomeTransient {
		t.Fatalf("Attempts = %+v, want one transient attempt", res.Attempts)
	}
}

func TestEngine_Embeddings_HappyPath(t *testing.T) {
	t.Parallel()
	a := &testutil.FakeProvider{ProviderName: "a", EmbedFn: func(ctx context.Context, req *core.EmbeddingRequest) (*core.EmbeddingResponse, error) {
		return &core.EmbeddingResponse{Object: "list", Model: req.Model}, nil
	}}
	e := newTestEngine(t, "text-embedding-3-small", []core.RouteTarget{{ProviderID: "a", Model: "text-embedding-3-small", Priority: 0}},
		map[string]core.Provider{"a": a})

	resp, attempts, err := e.Embeddings(context.Background(), &core.EmbeddingRequest{Model: "text-embedding-3-small"})
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	if resp.Object != "list" {
		t.Fatalf("resp.Object = %q, want list", resp.Object)
	}
	if len(attempts) != 1 || attempts[0].Outcome != core.OutcomeOK {
		t.Fatalf("attempts = %+v, want single ok attempt", attempts)
	}
}

func TestEngine_ChatCompletion_UnknownModelReturnsError(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, "gpt-4", []core.RouteTarget{{ProviderID: "a", Model: "gpt-4", Priority: 0}},
		map[string]core.Provider{"a": &testutil.FakeProvider{ProviderName: "a"}})

	_, err := e.ChatCompletion(context.Background(), &core.NormalizedRequest{Model: "no-such-alias"})
	if err == nil {
		t.Fatalf("expected an error resolving an unregistered model alias")
	}
}
