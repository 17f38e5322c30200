// Package transform converts chat requests and responses between the three
// wire dialects the gateway accepts -- OpenAI chat, Anthropic messages, and
// unified responses -- and core.NormalizedRequest/core.ChatResponse, the
// dialect-neutral shape the Failover Engine and Provider Adapters operate
// on. Transformer is stateless and pure: no store access, no credit
// consequences. Grounded on the teacher's provider/anthropic/translate.go
// and provider/gemini/translate.go (gjson-based field extraction, content
// role mapping), promoted here to run pre-dispatch instead of inside a
// single adapter.
package transform

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	core "github.com/creditgate/creditgate/internal"
)

// Warning records a non-fatal substitution the Transformer made while
// converting a request (e.g. a missing max_tokens default), surfaced to the
// caller in response metadata per the base spec's §4.3 max_tokens note.
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// defaultAnthropicMaxTokens mirrors the teacher's translateRequest default;
// recorded as an Open Question decision (default, not reject) in SPEC_FULL.
const defaultAnthropicMaxTokens = 4096

// block is a normalized content block, used as the intermediate shape when
// converting between a plain-string content and a typed block array.
type block struct {
	Type     string // "text" | "image_url"
	Text     string
	ImageURL string
}

// contentToBlocks normalizes a json.RawMessage content field -- which may be
// a bare JSON string or an array of typed blocks in either the OpenAI
// ({type:"text"|"image_url", ...}) or Anthropic ({type:"text"|"image", ...})
// convention -- into a flat block slice.
func contentToBlocks(raw json.RawMessage) []block {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []block{{Type: "text", Text: r.String()}}
	}
	if !r.IsArray() {
		return nil
	}

	var blocks []block
	r.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			blocks = append(blocks, block{Type: "text", Text: item.Get("text").String()})
		case "image_url":
			blocks = append(blocks, block{Type: "image_url", ImageURL: item.Get("image_url.url").String()})
		case "image":
			// Anthropic image block: {type:"image", source:{type:"base64"|"url", ...}}.
			src := item.Get("source")
			url := src.Get("url").String()
			if url == "" {
				url = src.Get("data").String() // caller-side data URI already assembled
			}
			blocks = append(blocks, block{Type: "image_url", ImageURL: url})
		}
		return true
	})
	return blocks
}

// textOf concatenates every text block's content, the same "drop non-text,
// join the rest" heuristic the token-count fallback and the Anthropic/
// unified response builders use to flatten a block array to plain text.
func textOf(blocks []block) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// plainTextContent marshals s as a bare JSON string, the OpenAI convention
// for single-block text content.
func plainTextContent(s string) json.RawMessage {
	out, _ := json.Marshal(s)
	return out
}

// anthropicContentBlocks renders blocks in the Anthropic wire convention
// ({type:"text"|"image", ...}).
func anthropicContentBlocks(blocks []block) json.RawMessage {
	type textBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	out := make([]textBlock, 0, len(blocks))
	for _, blk := range blocks {
		if blk.Type == "text" {
			out = append(out, textBlock{Type: "text", Text: blk.Text})
		}
	}
	raw, _ := json.Marshal(out)
	return raw
}

// mapStopReason converts an Anthropic stop_reason to an OpenAI finish_reason.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

// mapFinishReason converts an OpenAI finish_reason back to an Anthropic
// stop_reason, the inverse of mapStopReason on the fields both dialects
// carry (round-trip law in spec §8).
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}

// stopSequences normalizes the OpenAI `stop` field (string | []string) and
// the Anthropic `stop_sequences` field ([]string) to the same raw shape, so
// both sides can carry it through NormalizedRequest.Stop unchanged.
func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []string{r.String()}
	}
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.String())
		return true
	})
	return out
}
