package services

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/models"
)

// Echo is an offline LLM that replies with the last user message, one word per chunk. It is meant for
// local development and tests of the streaming path.
type Echo struct {
	prefix string
	delay  time.Duration
}

// NewEcho creates an Echo that prepends prefix to its replies and waits delay between chunks.
func NewEcho(prefix string, delay time.Duration) Echo {
	return Echo{prefix: prefix, delay: delay}
}

// Chat implements the LLM interface.
func (e Echo) Chat(ctx context.Context, _ string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var last string
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == models.RoleUser {
				last = messages[i].Text()
				break
			}
		}

		for _, chunk := range echoChunks(e.prefix + last) {
			if e.delay > 0 {
				select {
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				case <-time.After(e.delay):
				}
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// echoChunks splits s after every space, keeping the spaces so the chunks concatenate back to s.
func echoChunks(s string) []string {
	var chunks []string
	for s != "" {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			chunks = append(chunks, s)
			break
		}
		chunks = append(chunks, s[:i+1])
		s = s[i+1:]
	}
	return chunks
}
