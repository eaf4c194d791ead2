// Package memory keeps each thread's conversation under its model's
// context limit. Before every model call the manager prunes oversized
// message content; when total tokens cross the compaction threshold it
// summarizes the older half of the history and persists the summary so
// the compressed context survives restarts.
package memory

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/getleon/leon/internal/agent"
)

// perMessageOverhead approximates the chat-format framing tokens that
// wrap each message.
const perMessageOverhead = 3

var (
	encodings   = make(map[string]*tiktoken.Tiktoken)
	encodingsMu sync.Mutex
)

func encodingFor(model string) *tiktoken.Tiktoken {
	encodingsMu.Lock()
	defer encodingsMu.Unlock()
	if enc, ok := encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	encodings[model] = enc
	return enc
}

// Counter counts tokens against a model's encoding. When no encoding
// is available it estimates at four characters per token, which is
// close enough for threshold decisions.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter builds a counter for the model. Never fails; an unknown
// model falls back to estimation.
func NewCounter(model string) *Counter {
	return &Counter{enc: encodingFor(model)}
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if c == nil || c.enc == nil {
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessage returns the token cost of one message including its
// tool-call arguments and framing overhead.
func (c *Counter) CountMessage(msg agent.Message) int {
	n := perMessageOverhead + c.Count(string(msg.Role)) + c.Count(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += c.Count(tc.Name) + c.Count(string(tc.Args))
	}
	return n
}

// CountMessages returns the token cost of the whole conversation.
func (c *Counter) CountMessages(msgs []agent.Message) int {
	n := perMessageOverhead
	for _, m := range msgs {
		n += c.CountMessage(m)
	}
	return n
}
