package transform

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	core "github.com/creditgate/creditgate/internal"
)

// unifiedItem is one entry of a /v1/responses `input` or `output` array:
// {type:"message", role, content:[{type:"input_text"|"output_text", text}]}.
type unifiedItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ToNormalizedFromUnified decodes a raw /v1/responses request body. The
// system prompt, if present, is carried as a leading input item of role
// "system" rather than a top-level field (per the base spec's §3 unified
// shape); it is hoisted into NormalizedRequest.System the same way the
// Anthropic dialect's top-level system field is, so the Failover Engine
// and adapters see one uniform request shape regardless of inbound dialect.
func ToNormalizedFromUnified(body []byte) (*core.NormalizedRequest, error) {
	r := gjson.ParseBytes(body)
	if !r.Exists() {
		return nil, fmt.Errorf("transform: decode unified request: empty body")
	}

	req := &core.NormalizedRequest{
		Model:   r.Get("model").String(),
		Dialect: core.DialectUnified,
		Stream:  r.Get("stream").Bool(),
	}
	if mt := r.Get("max_output_tokens"); mt.Exists() {
		n := int(mt.Int())
		req.MaxTokens = &n
	}
	if t := r.Get("temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}
	if tp := r.Get("top_p"); tp.Exists() {
		v := tp.Float()
		req.TopP = &v
	}

	r.Get("input").ForEach(func(_, item gjson.Result) bool {
		role := item.Get("role").String()
		text := textOf(contentToBlocks(json.RawMessage(item.Get("content").Raw)))
		if text == "" {
			// Some unified clients send a bare string content instead of a
			// typed block array.
			text = item.Get("content").String()
		}
		if role == "system" {
			if req.System != "" {
				req.System += "\n"
			}
			req.System += text
			return true
		}
		req.Messages = append(req.Messages, core.Message{
			Role:    role,
			Content: plainTextContent(text),
		})
		return true
	})

	return req, nil
}

// FromNormalizedToUnified renders a ChatResponse in the unified-responses
// shape: {id, model, output:[{type:"message", role:"assistant",
// content:[{type:"output_text", text}]}], usage}.
func FromNormalizedToUnified(resp *core.ChatResponse) ([]byte, error) {
	type outputText struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	type outputItem struct {
		Type    string       `json:"type"`
		Role    string       `json:"role"`
		Content []outputText `json:"content"`
	}
	type unifiedUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
	type unifiedResponse struct {
		ID     string        `json:"id"`
		Model  string        `json:"model"`
		Output []outputItem  `json:"output"`
		Usage  *unifiedUsage `json:"usage,omitempty"`
	}

	out := unifiedResponse{ID: resp.ID, Model: resp.Model}
	for _, choice := range resp.Choices {
		text := textOf(contentToBlocks(choice.Message.Content))
		out.Output = append(out.Output, outputItem{
			Type:    "message",
			Role:    "assistant",
			Content: []outputText{{Type: "output_text", Text: text}},
		})
	}
	if resp.Usage != nil {
		out.Usage = &unifiedUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}
