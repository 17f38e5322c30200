package transform

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	core "github.com/creditgate/creditgate/internal"
)

// ToNormalizedFromOpenAI decodes a raw /v1/chat/completions request body.
// The OpenAI dialect is already the NormalizedRequest shape, so this is
// near-passthrough: decode, stamp the dialect, done.
func ToNormalizedFromOpenAI(body []byte) (*core.NormalizedRequest, error) {
	var req core.NormalizedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("transform: decode openai request: %w", err)
	}
	req.Dialect = core.DialectOpenAI
	return &req, nil
}

// FromNormalizedToOpenAI renders a ChatResponse in the OpenAI wire shape.
// Since core.ChatResponse already is that shape, this just marshals it.
func FromNormalizedToOpenAI(resp *core.ChatResponse) ([]byte, error) {
	return json.Marshal(resp)
}

// --- Anthropic /v1/messages dialect ---

// anthropicRequest mirrors the wire shape of an Anthropic messages request.
// Grounded on provider/anthropic/translate.go's anthropicRequest, reused
// here at the server edge instead of inside the adapter.
type anthropicRequest struct {
	Model       string          `json:"model"`
	Messages    []anthropicMsg  `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	StopSeqs    json.RawMessage `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ToNormalizedFromAnthropic decodes a raw /v1/messages request body into a
// NormalizedRequest. Anthropic carries the system prompt as a top-level
// field rather than a leading message, so it is folded into
// NormalizedRequest.System rather than prepended as a message. When
// max_tokens is absent, it defaults to 4096 and a Warning is returned --
// the base spec's Open Question decision (default, not reject), mirroring
// the teacher's translateRequest.
func ToNormalizedFromAnthropic(body []byte) (*core.NormalizedRequest, []Warning, error) {
	r := gjson.ParseBytes(body)
	if !r.Exists() {
		return nil, nil, fmt.Errorf("transform: decode anthropic request: empty body")
	}

	var warnings []Warning
	req := &core.NormalizedRequest{
		Model:   r.Get("model").String(),
		Dialect: core.DialectAnthropic,
		Stream:  r.Get("stream").Bool(),
	}

	if sys := r.Get("system"); sys.Exists() {
		if sys.Type == gjson.String {
			req.System = sys.String()
		} else {
			// Anthropic also allows system as a content-block array.
			req.System = textOf(contentToBlocks(json.RawMessage(sys.Raw)))
		}
	}

	if mt := r.Get("max_tokens"); mt.Exists() {
		n := int(mt.Int())
		req.MaxTokens = &n
	} else {
		n := defaultAnthropicMaxTokens
		req.MaxTokens = &n
		req.MaxTokensDefault = true
		warnings = append(warnings, Warning{
			Field:   "max_tokens",
			Message: fmt.Sprintf("max_tokens was not set; defaulted to %d", defaultAnthropicMaxTokens),
		})
	}

	if t := r.Get("temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}
	if tp := r.Get("top_p"); tp.Exists() {
		v := tp.Float()
		req.TopP = &v
	}
	if ss := r.Get("stop_sequences"); ss.Exists() {
		raw, _ := json.Marshal(stopSequences(json.RawMessage(ss.Raw)))
		req.Stop = raw
	}
	if tools := r.Get("tools"); tools.Exists() {
		req.Tools = json.RawMessage(tools.Raw)
	}

	r.Get("messages").ForEach(func(_, m gjson.Result) bool {
		req.Messages = append(req.Messages, core.Message{
			Role:    m.Get("role").String(),
			Content: json.RawMessage(m.Get("content").Raw),
		})
		return true
	})

	return req, warnings, nil
}

// FromNormalizedToAnthropic renders a ChatResponse in the Anthropic
// messages shape: {id,type:"message",role:"assistant",content:[...],
// model,stop_reason,usage:{input_tokens,output_tokens}}.
func FromNormalizedToAnthropic(resp *core.ChatResponse) ([]byte, error) {
	type anthropicUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
	type anthropicResponse struct {
		ID         string          `json:"id"`
		Type       string          `json:"type"`
		Role       string          `json:"role"`
		Model      string          `json:"model"`
		Content    json.RawMessage `json:"content"`
		StopReason string          `json:"stop_reason"`
		Usage      anthropicUsage  `json:"usage"`
	}

	out := anthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.StopReason = mapFinishReason(choice.FinishReason)
		out.Content = anthropicContentBlocks(contentToBlocks(choice.Message.Content))
	} else {
		out.Content = json.RawMessage("[]")
	}
	if resp.Usage != nil {
		out.Usage.InputTokens = resp.Usage.PromptTokens
		out.Usage.OutputTokens = resp.Usage.CompletionTokens
	}
	return json.Marshal(out)
}

// AnthropicStreamEvent wraps an OpenAI-shaped StreamChunk's delta into a
// minimal Anthropic content_block_delta SSE event, used by the streaming
// proxy when the inbound dialect is Anthropic but the upstream adapter
// always emits OpenAI-shaped chunks (Provider Adapters normalize outbound
// streams to one shape; only the wire framing to the client differs).
func AnthropicStreamEvent(data []byte) (event string, payload []byte, ok bool) {
	delta := gjson.GetBytes(data, "choices.0.delta.content")
	if !delta.Exists() {
		return "", nil, false
	}
	type textDelta struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	var evt textDelta
	evt.Type = "content_block_delta"
	evt.Delta.Type = "text_delta"
	evt.Delta.Text = delta.String()
	payload, err := json.Marshal(evt)
	if err != nil {
		return "", nil, false
	}
	return "content_block_delta", payload, true
}
