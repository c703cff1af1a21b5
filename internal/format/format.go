// Package format encodes and decodes prompt and reply content per the
// declared wire format: TEXT carries UTF-8, OPENAI carries chat-completion
// objects. Everything else is rejected before touching a session.
package format

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/protocol"
)

// ChatMessage is one turn of a chat-completion conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the subset of a chat-completion request the engines carry.
type ChatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// Text flattens the conversation for text-only consumers.
func (r *ChatRequest) Text() string {
	var b strings.Builder
	for i, m := range r.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// ChatChoice is one completion alternative. Delta is set on stream chunks,
// Message on full responses.
type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// Usage is the token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is a chat-completion response or stream chunk.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model,omitempty"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// Text extracts the displayable content of the first choice, wherever it
// lives.
func (r *ChatResponse) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	c := r.Choices[0]
	if c.Message != nil {
		return c.Message.Content
	}
	if c.Delta != nil {
		return c.Delta.Content
	}
	return ""
}

// NewChatResponse builds a full (non-chunk) response around text.
func NewChatResponse(model, text string, usage *Usage) *ChatResponse {
	return &ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Message:      &ChatMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		Usage: usage,
	}
}

// NewChatChunk builds one streaming chunk. The terminal chunk carries the
// finish reason.
func NewChatChunk(id, model, delta string, done bool) *ChatResponse {
	choice := ChatChoice{Delta: &ChatMessage{Role: "assistant", Content: delta}}
	if done {
		choice.FinishReason = "stop"
	}
	return &ChatResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{choice},
	}
}

// EncodePromptContent turns caller-supplied content into the prompt bytes
// for the given format. TEXT takes a string; OPENAI takes a ChatRequest or
// pre-encoded JSON.
func EncodePromptContent(f protocol.Format, content any) ([]byte, error) {
	switch f {
	case protocol.FormatText:
		s, ok := content.(string)
		if !ok {
			return nil, errs.New(errs.InvalidArgument, "text prompt wants a string, got %T", content)
		}
		return []byte(s), nil
	case protocol.FormatOpenAI:
		switch c := content.(type) {
		case *ChatRequest:
			return marshalPrompt(c)
		case ChatRequest:
			return marshalPrompt(&c)
		case json.RawMessage:
			return c, nil
		case []byte:
			return c, nil
		default:
			return nil, errs.New(errs.InvalidArgument, "openai prompt wants a chat request, got %T", content)
		}
	default:
		return nil, errs.New(errs.UnsupportedFormat, "format %q", f)
	}
}

func marshalPrompt(r *ChatRequest) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "encode chat request")
	}
	return raw, nil
}

// DecodePromptRequest interprets prompt bytes as a chat request. TEXT
// content becomes a single user message.
func DecodePromptRequest(f protocol.Format, raw []byte) (*ChatRequest, error) {
	switch f {
	case protocol.FormatText:
		return &ChatRequest{Messages: []ChatMessage{{Role: "user", Content: string(raw)}}}, nil
	case protocol.FormatOpenAI:
		var r ChatRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, err, "decode chat request")
		}
		if len(r.Messages) == 0 {
			return nil, errs.New(errs.InvalidArgument, "chat request without messages")
		}
		return &r, nil
	default:
		return nil, errs.New(errs.UnsupportedFormat, "format %q", f)
	}
}

// EncodeReplyContent packs generated output into a reply payload. TEXT
// replies hold a JSON string, OPENAI replies a completion object.
func EncodeReplyContent(f protocol.Format, content any) (json.RawMessage, error) {
	switch f {
	case protocol.FormatText:
		s, ok := content.(string)
		if !ok {
			return nil, errs.New(errs.InvalidArgument, "text reply wants a string, got %T", content)
		}
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, err, "encode reply")
		}
		return raw, nil
	case protocol.FormatOpenAI:
		switch c := content.(type) {
		case *ChatResponse:
			raw, err := json.Marshal(c)
			if err != nil {
				return nil, errs.Wrap(errs.InvalidArgument, err, "encode reply")
			}
			return raw, nil
		case json.RawMessage:
			return c, nil
		default:
			return nil, errs.New(errs.InvalidArgument, "openai reply wants a chat response, got %T", content)
		}
	default:
		return nil, errs.New(errs.UnsupportedFormat, "format %q", f)
	}
}

// DecodeReplyText extracts the displayable text from a reply payload.
func DecodeReplyText(f protocol.Format, raw json.RawMessage) (string, error) {
	switch f {
	case protocol.FormatText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errs.Wrap(errs.InvalidArgument, err, "decode reply")
		}
		return s, nil
	case protocol.FormatOpenAI:
		var r ChatResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", errs.Wrap(errs.InvalidArgument, err, "decode reply")
		}
		return r.Text(), nil
	default:
		return "", errs.New(errs.UnsupportedFormat, "format %q", f)
	}
}

// DecodeReplyResponse interprets an OPENAI reply payload as a full
// completion object.
func DecodeReplyResponse(raw json.RawMessage) (*ChatResponse, error) {
	var r ChatResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "decode chat response")
	}
	return &r, nil
}

// EstimateTokens approximates the token count of content for pricing. Four
// bytes per token is close enough for a quote.
func EstimateTokens(data []byte) int {
	n := len(data) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateRequestTokens sums the message contents of a chat request.
func EstimateRequestTokens(r *ChatRequest) int {
	total := 0
	for _, m := range r.Messages {
		total += EstimateTokens([]byte(m.Content))
	}
	if total == 0 {
		total = 1
	}
	return total
}

// String renders usage compactly for logs.
func (u Usage) String() string {
	return fmt.Sprintf("prompt=%d completion=%d total=%d", u.PromptTokens, u.CompletionTokens, u.TotalTokens)
}
