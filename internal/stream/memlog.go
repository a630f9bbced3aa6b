package stream

import (
	"sync"

	"github.com/MegaGrindStone/chat-stream/internal/models"
)

// MemoryLog is an in-memory Log and SessionSink. Every accepted update replaces the stored slice with a
// fresh copy, so slices returned by Messages are never mutated afterwards.
type MemoryLog struct {
	mu        sync.Mutex
	messages  []models.Message
	sessionID string
	onUpdate  func([]models.Message)
}

// NewMemoryLog creates a MemoryLog seeded with messages. onUpdate, if not nil, is called with every newly
// published log, in publication order.
func NewMemoryLog(messages []models.Message, onUpdate func([]models.Message)) *MemoryLog {
	return &MemoryLog{
		messages: models.CloneMessages(messages),
		onUpdate: onUpdate,
	}
}

// Update implements Log.
func (l *MemoryLog) Update(fn func([]models.Message) ([]models.Message, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := fn(models.CloneMessages(l.messages))
	if err != nil {
		return err
	}
	l.messages = next
	if l.onUpdate != nil {
		l.onUpdate(models.CloneMessages(next))
	}
	return nil
}

// Append adds messages to the end of the log and returns the index of the last one.
func (l *MemoryLog) Append(messages ...models.Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = append(models.CloneMessages(l.messages), messages...)
	return len(l.messages) - 1
}

// Messages returns the current log.
func (l *MemoryLog) Messages() []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	return models.CloneMessages(l.messages)
}

// CaptureSession implements SessionSink with first-write-wins semantics.
func (l *MemoryLog) CaptureSession(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sessionID != "" || id == "" {
		return false
	}
	l.sessionID = id
	return true
}

// SessionID returns the captured session identifier.
func (l *MemoryLog) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.sessionID
}
