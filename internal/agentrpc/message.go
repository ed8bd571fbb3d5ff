package agentrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RoleAssistant is the role the agent's own turns carry in a transcript
const RoleAssistant = "assistant"

// Message is one turn of an agent session transcript
type Message struct {
	Role    string
	Content MessageContent
}

// MessageContent is either TextContent or PartsContent.
type MessageContent interface {
	isMessageContent()
}

// TextContent is a message whose content arrived as a bare string
type TextContent string

// PartsContent is a message whose content arrived as typed parts
type PartsContent []ContentPart

func (TextContent) isMessageContent()  {}
func (PartsContent) isMessageContent() {}

// ContentPart is either a ToolCallPart or a TextPart.
type ContentPart interface {
	isContentPart()
}

// ToolCallPart is a structured tool invocation recorded in the transcript
type ToolCallPart struct {
	Name      string
	Arguments map[string]any
}

// TextPart is natural-language output
type TextPart struct {
	Text string
}

func (ToolCallPart) isContentPart() {}
func (TextPart) isContentPart()     {}

// IsAssistant reports whether the agent itself produced the message
func (m Message) IsAssistant() bool {
	return strings.EqualFold(m.Role, RoleAssistant)
}

// ToolCalls returns the tool invocations carried by the message, in order
func (m Message) ToolCalls() []ToolCallPart {
	parts, ok := m.Content.(PartsContent)
	if !ok {
		return nil
	}
	var calls []ToolCallPart
	for _, p := range parts {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// Text returns the message's natural-language text. Text parts are joined
// with newlines; tool calls contribute nothing.
func (m Message) Text() string {
	switch c := m.Content.(type) {
	case TextContent:
		return string(c)
	case PartsContent:
		var texts []string
		for _, p := range c {
			if tp, ok := p.(TextPart); ok && tp.Text != "" {
				texts = append(texts, tp.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
}

type wirePart struct {
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Text      string          `json:"text,omitempty"`
}

// UnmarshalJSON decodes content given either as a string or as an array of
// typed parts. Part types other than tool calls and text are dropped, and so
// is content of any other shape: one odd message must not fail a transcript.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wm wireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		return err
	}
	m.Role = wm.Role
	m.Content = nil

	raw := bytes.TrimSpace(wm.Content)
	if len(raw) == 0 {
		return nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decode text content: %w", err)
		}
		m.Content = TextContent(s)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("decode content parts: %w", err)
		}
		parts := make(PartsContent, 0, len(items))
		for _, item := range items {
			var wp wirePart
			if err := json.Unmarshal(item, &wp); err != nil {
				continue
			}
			if p, ok := decodePart(wp); ok {
				parts = append(parts, p)
			}
		}
		m.Content = parts
	}
	return nil
}

func decodePart(wp wirePart) (ContentPart, bool) {
	switch strings.ToLower(wp.Type) {
	case "toolcall", "tool_call", "tool_use":
		args := wp.Arguments
		if len(args) == 0 {
			args = wp.Input
		}
		return ToolCallPart{Name: wp.Name, Arguments: decodeArguments(args)}, true
	case "text":
		return TextPart{Text: wp.Text}, true
	}
	return nil, false
}

// decodeArguments accepts an object or a JSON-encoded object string.
// Anything else decodes to an empty map.
func decodeArguments(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return args
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return args
		}
		raw = []byte(s)
	}
	_ = json.Unmarshal(raw, &args)
	if args == nil {
		args = map[string]any{}
	}
	return args
}

// MarshalJSON writes the same shapes UnmarshalJSON reads
func (m Message) MarshalJSON() ([]byte, error) {
	out := struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}{Role: m.Role}

	switch c := m.Content.(type) {
	case TextContent:
		out.Content = string(c)
	case PartsContent:
		wps := make([]wirePart, 0, len(c))
		for _, p := range c {
			switch v := p.(type) {
			case ToolCallPart:
				args, err := json.Marshal(v.Arguments)
				if err != nil {
					return nil, err
				}
				wps = append(wps, wirePart{Type: "toolCall", Name: v.Name, Arguments: args})
			case TextPart:
				wps = append(wps, wirePart{Type: "text", Text: v.Text})
			}
		}
		out.Content = wps
	}
	return json.Marshal(out)
}
