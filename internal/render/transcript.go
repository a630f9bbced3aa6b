// Package render exports conversations as self-contained HTML pages. Message text is treated as
// markdown; fenced code blocks are highlighted and raw HTML in messages is escaped.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"time"

	chatstream "github.com/MegaGrindStone/chat-stream"
	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Renderer converts conversations to HTML.
type Renderer struct {
	md   goldmark.Markdown
	tmpl *template.Template
	now  func() time.Time
}

// Option configures a Renderer.
type Option func(*Renderer)

type transcriptData struct {
	Title     string
	Agent     string
	SessionID string
	Exported  time.Time
	Messages  []messageData
}

type messageData struct {
	ID         string
	Role       models.Role
	MessageID  string
	Body       template.HTML
	Attachment string
}

const transcriptTemplate = "transcript.html"

// WithStyle sets the chroma style used to highlight fenced code blocks.
func WithStyle(style string) Option {
	return func(r *Renderer) {
		r.md = newMarkdown(style)
	}
}

// WithClock sets the clock used for the export timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) {
		r.now = now
	}
}

// New parses the embedded transcript template.
func New(opts ...Option) (Renderer, error) {
	tmpl, err := template.ParseFS(chatstream.TemplateFS, "templates/"+transcriptTemplate)
	if err != nil {
		return Renderer{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	r := Renderer{
		md:   newMarkdown("github"),
		tmpl: tmpl,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r, nil
}

func newMarkdown(style string) goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle(style)),
		),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
}

// Markdown converts a markdown string to HTML.
func (r Renderer) Markdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	// goldmark escapes raw HTML unless html.WithUnsafe is set.
	return template.HTML(buf.String()), nil
}

// Transcript writes conv and its messages to w as an HTML page, in log order.
func (r Renderer) Transcript(w io.Writer, conv models.Conversation, messages []models.Message) error {
	title := conv.Title
	if title == "" {
		title = "Conversation"
	}
	data := transcriptData{
		Title:     title,
		Agent:     conv.Agent,
		SessionID: conv.SessionID,
		Exported:  r.now(),
		Messages:  make([]messageData, 0, len(messages)),
	}

	for _, msg := range messages {
		body, err := r.Markdown(models.RenderContents(msg.Contents))
		if err != nil {
			return fmt.Errorf("message %s: %w", msg.ID, err)
		}
		md := messageData{
			ID:        msg.ID,
			Role:      msg.Role,
			MessageID: msg.MessageID,
			Body:      body,
		}
		if att := msg.Attachment; att != nil {
			md.Attachment = fmt.Sprintf("%s (%s, %d bytes)", att.Name, att.MIMEType, len(att.Data))
		}
		data.Messages = append(data.Messages, md)
	}

	if err := r.tmpl.ExecuteTemplate(w, transcriptTemplate, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}
