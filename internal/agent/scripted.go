package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScriptedTurn is one pre-planned model response
type ScriptedTurn struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
	Err       error
}

// Scripted is a Model that replays a fixed sequence of turns. It backs
// development mode and tests, standing in for a live language model.
// Text content is streamed in small chunks so consumers exercise the
// same partial-emission paths a real model produces.
type Scripted struct {
	name      string
	turns     []ScriptedTurn
	delay     time.Duration
	chunkSize int

	mu  sync.Mutex
	idx int
}

// ScriptedOption configures a Scripted model
type ScriptedOption func(*Scripted)

// WithDelay adds a pause before each emitted chunk
func WithDelay(d time.Duration) ScriptedOption {
	return func(s *Scripted) { s.delay = d }
}

// WithChunkSize sets the number of words per streamed text chunk
func WithChunkSize(n int) ScriptedOption {
	return func(s *Scripted) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// NewScripted creates a scripted model that plays the given turns in
// order. Once exhausted it keeps answering with a plain completion so
// the loop can terminate.
func NewScripted(name string, turns []ScriptedTurn, opts ...ScriptedOption) *Scripted {
	s := &Scripted{
		name:      name,
		turns:     turns,
		chunkSize: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the scripted model identifier
func (s *Scripted) Name() string {
	return s.name
}

// Remaining returns the number of unplayed turns
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns) - s.idx
}

// Stream plays the next scripted turn as a chunk stream
func (s *Scripted) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	s.mu.Lock()
	var turn ScriptedTurn
	if s.idx < len(s.turns) {
		turn = s.turns[s.idx]
		s.idx++
	} else {
		turn = ScriptedTurn{Text: "Done.", Usage: Usage{InputTokens: len(req.Messages), OutputTokens: 1}}
	}
	s.mu.Unlock()

	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		messageID := uuid.New().String()

		send := func(c Chunk) bool {
			if s.delay > 0 {
				select {
				case <-time.After(s.delay):
				case <-ctx.Done():
					return false
				}
			}
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if turn.Err != nil {
			send(Chunk{Err: turn.Err})
			return
		}

		for _, piece := range splitWords(turn.Text, s.chunkSize) {
			if !send(Chunk{Type: ChunkText, Text: piece, MessageID: messageID}) {
				return
			}
		}

		for i := range turn.ToolCalls {
			tc := turn.ToolCalls[i]
			if tc.ID == "" {
				tc.ID = uuid.New().String()
			}
			if !send(Chunk{Type: ChunkToolCall, ToolCall: &tc, MessageID: messageID}) {
				return
			}
		}

		usage := turn.Usage
		send(Chunk{Type: ChunkDone, MessageID: messageID, Usage: &usage})
	}()

	return ch, nil
}

// splitWords breaks text into chunks of n words, preserving separators
func splitWords(text string, n int) []string {
	if text == "" {
		return nil
	}
	words := strings.SplitAfter(text, " ")
	var chunks []string
	for i := 0; i < len(words); i += n {
		end := i + n
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], ""))
	}
	return chunks
}
