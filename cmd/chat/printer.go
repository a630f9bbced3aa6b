package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MegaGrindStone/chat-stream/internal/conversation"
	"github.com/MegaGrindStone/chat-stream/internal/models"
)

// printer writes the assistant side of a turn to a terminal as it streams. Each logical message starts a
// new paragraph; tokens are written as they arrive.
type printer struct {
	w io.Writer

	mu      sync.Mutex
	from    int
	printed map[int]string
	current int
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, from: -1}
}

// begin starts a turn whose first assistant message will be at index from.
func (p *printer) begin(from int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.from = from
	p.printed = map[int]string{}
	p.current = -1
}

// end terminates the output of the current turn.
func (p *printer) end() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current >= 0 {
		fmt.Fprintln(p.w)
	}
	p.from = -1
}

func (p *printer) observe(s conversation.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.from < 0 {
		return
	}
	for i := p.from; i < len(s.Messages); i++ {
		msg := s.Messages[i]
		if msg.Role != models.RoleAssistant {
			continue
		}
		text := msg.Text()
		prev := p.printed[i]
		if text == prev {
			continue
		}

		if i != p.current {
			if p.current >= 0 {
				fmt.Fprint(p.w, "\n\n")
			}
			p.current = i
		}
		if strings.HasPrefix(text, prev) {
			fmt.Fprint(p.w, text[len(prev):])
		} else {
			// The message was replaced, as on failure.
			fmt.Fprint(p.w, "\n"+text)
		}
		p.printed[i] = text
	}
}
