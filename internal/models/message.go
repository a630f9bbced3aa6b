package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Conversation represents a stored conversation thread. It carries the backend session identifier that
// scopes the conversation on the server, along with the metadata needed to list and resume it.
type Conversation struct {
	ID        string
	Title     string
	Agent     string
	SessionID string
	UpdatedAt time.Time
}

// Message represents an individual entry of the message log. It contains the participant's role, the
// ordered content parts, an optional attachment, and the server-assigned message identifier that groups
// streamed tokens into one logical assistant message.
type Message struct {
	ID         string
	Role       Role
	Contents   []Content
	Attachment *Attachment
	Timestamp  time.Time

	// MessageID is the opaque identifier issued by the backend. It is empty for user messages and for
	// assistant messages streamed without an identifier.
	MessageID string
}

// Content is a message content part with its type.
type Content struct {
	Type ContentType

	// Text would be filled if Type is ContentTypeText.
	Text string

	// URL would be filled if Type is ContentTypeImage.
	URL string
}

// Attachment is a binary blob sent along with a user message.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Role represents the role of a message participant.
type Role string

// ContentType represents the type of content in messages.
type ContentType string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message, the only role the stream writes into.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a system message.
	RoleSystem Role = "system"

	// ContentTypeText represents text content.
	ContentTypeText ContentType = "text"
	// ContentTypeImage represents an image reference.
	ContentTypeImage ContentType = "image"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// NewTextMessage creates a message with a single text content part.
func NewTextMessage(id string, role Role, text string) Message {
	return Message{
		ID:        id,
		Role:      role,
		Contents:  []Content{{Type: ContentTypeText, Text: text}},
		Timestamp: time.Now(),
	}
}

// Text returns the concatenation of all text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, c := range m.Contents {
		if c.Type == ContentTypeText {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// AppendText concatenates s onto the last text part of the message, creating one if the message has no
// trailing text part.
func (m *Message) AppendText(s string) {
	if n := len(m.Contents); n > 0 && m.Contents[n-1].Type == ContentTypeText {
		m.Contents[n-1].Text += s
		return
	}
	m.Contents = append(m.Contents, Content{Type: ContentTypeText, Text: s})
}

// SetText replaces all content parts of the message with a single text part.
func (m *Message) SetText(s string) {
	m.Contents = []Content{{Type: ContentTypeText, Text: s}}
}

// CloneMessages copies the log so that the returned slice and the content slices of its messages can be
// mutated without affecting the original. Attachment data is shared, it is never mutated.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, m := range messages {
		m.Contents = slices.Clone(m.Contents)
		out[i] = m
	}
	return out
}

// RenderContents renders a slice of Content into a markdown string. Text parts are written as they are,
// image parts become markdown image references.
func RenderContents(contents []Content) string {
	var sb strings.Builder
	for _, content := range contents {
		switch content.Type {
		case ContentTypeText:
			if content.Text == "" {
				continue
			}
			sb.WriteString(content.Text)
		case ContentTypeImage:
			if content.URL == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("  \n\n")
			}
			sb.WriteString(fmt.Sprintf("![image](%s)", content.URL))
		}
	}
	return sb.String()
}
