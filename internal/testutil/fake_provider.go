// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"

	core "github.com/creditgate/creditgate/internal"
)

// FakeProvider is a configurable core.Provider for testing.
type FakeProvider struct {
	ProviderName string
	AdapterKind  string
	ChatFn       func(ctx context.Context, req *core.NormalizedRequest) (*core.ChatResponse, error)
	StreamFn     func(ctx context.Context, req *core.NormalizedRequest) (<-chan core.StreamChunk, error)
	EmbedFn      func(ctx context.Context, req *core.EmbeddingRequest) (*core.EmbeddingResponse, error)
	ModelsFn     func(ctx context.Context) ([]string, error)
	HealthFn     func(ctx context.Context) error
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// Type returns the configured adapter kind, or "fake" if unset.
func (f *FakeProvider) Type() string {
	if f.AdapterKind != "" {
		return f.AdapterKind
	}
	return "fake"
}

// ChatCompletion delegates to ChatFn or returns a default response.
func (f *FakeProvider) ChatCompletion(ctx context.Context, req *core.NormalizedRequest) (*core.ChatResponse, error) {
	if f.ChatFn != nil {
		return f.ChatFn(ctx, req)
	}
	return &core.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []core.Choice{{
			Index:        0,
			Message:      core.Message{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: "stop",
		}},
	}, nil
}

// ChatCompletionStream delegates to StreamFn or returns an error.
func (f *FakeProvider) ChatCompletionStream(ctx context.Context, req *core.NormalizedRequest) (<-chan core.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return nil, core.ErrProviderError
}

// Embeddings delegates to EmbedFn or returns an error.
func (f *FakeProvider) Embeddings(ctx context.Context, req *core.EmbeddingRequest) (*core.EmbeddingResponse, error) {
	if f.EmbedFn != nil {
		return f.EmbedFn(ctx, req)
	}
	return nil, core.ErrProviderError
}

// ListModels delegates to ModelsFn or returns a default list.
func (f *FakeProvider) ListModels(ctx context.Context) ([]string, error) {
	if f.ModelsFn != nil {
		return f.ModelsFn(ctx)
	}
	return []string{"fake-model"}, nil
}

// HealthCheck delegates to HealthFn or returns nil.
func (f *FakeProvider) HealthCheck(ctx context.Context) error {
	if f.HealthFn != nil {
		return f.HealthFn(ctx)
	}
	return nil
}

// FakeStreamChan returns a channel pre-loaded with the given chunks, followed
// by a Done sentinel. The channel is closed after all chunks are sent.
func FakeStreamChan(chunks ...core.StreamChunk) <-chan core.StreamChunk {
	ch := make(chan core.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- core.StreamChunk{Done: true}
	close(ch)
	return ch
}
