package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/conversation"
	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/MegaGrindStone/chat-stream/internal/services"
	"github.com/MegaGrindStone/chat-stream/internal/stream"
	"github.com/google/uuid"
)

// chatSession binds a live Conversation to its stored record.
type chatSession struct {
	app     *chatApp
	record  models.Conversation
	conv    *conversation.Conversation
	printer *printer
}

const titleMaxLen = 48

// openSession resumes the stored conversation id, or starts a new one when id is empty. Streamed output
// is written to out.
func (a *chatApp) openSession(ctx context.Context, id string, out io.Writer) (*chatSession, error) {
	s := &chatSession{app: a, printer: newPrinter(out)}

	var history []models.Message
	if id != "" {
		rec, err := a.store.Conversation(ctx, id)
		if err != nil {
			return nil, err
		}
		history, err = a.store.Messages(ctx, id)
		if err != nil {
			return nil, err
		}
		s.record = rec
	} else {
		s.record = a.newRecord()
	}
	if a.cfg.Agent != "" {
		s.record.Agent = a.cfg.Agent
	}

	s.conv = a.newConversation(s.record, history, s.printer.observe)
	return s, nil
}

func (a *chatApp) newRecord() models.Conversation {
	return models.Conversation{ID: uuid.NewString(), Agent: a.cfg.Agent}
}

func (a *chatApp) newConversation(rec models.Conversation, history []models.Message, observe func(conversation.Snapshot)) *conversation.Conversation {
	opts := []conversation.Option{
		conversation.WithAgent(rec.Agent),
		conversation.WithSession(rec.SessionID),
		conversation.WithMessages(history),
		conversation.WithObserver(observe),
		conversation.WithLogger(a.logger),
	}
	if a.cfg.RequireDone {
		opts = append(opts, conversation.WithRequireDone())
	}
	return conversation.New(a.backend, opts...)
}

// send streams one turn and stores the resulting log. The log is stored even when the turn fails, so the
// error text shown to the user is kept with the conversation.
func (s *chatSession) send(ctx context.Context, text string, attachments ...models.Attachment) error {
	if s.app.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.app.cfg.Timeout)
		defer cancel()
	}

	// The assistant placeholder goes after the user message.
	s.printer.begin(len(s.conv.Messages()) + 1)
	res, err := s.conv.Send(ctx, text, attachments...)
	s.printer.end()

	if errors.Is(err, stream.ErrStale) || errors.Is(err, conversation.ErrBusy) {
		return err
	}
	if res.Truncated {
		s.app.logger.Warn("Response ended without a done frame", slog.String("conversation", s.record.ID))
	}

	if serr := s.save(ctx, text); serr != nil {
		if err != nil {
			return errors.Join(err, serr)
		}
		return serr
	}
	return err
}

func (s *chatSession) save(ctx context.Context, firstText string) error {
	if s.record.Title == "" {
		s.record.Title = titleFrom(firstText)
	}
	s.record.SessionID = s.conv.SessionID()
	s.record.UpdatedAt = time.Now()

	// A cancelled turn is still saved.
	ctx = context.WithoutCancel(ctx)
	if err := s.app.store.SaveConversation(ctx, s.record); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	if err := s.app.store.ReplaceMessages(ctx, s.record.ID, s.conv.Messages()); err != nil {
		return fmt.Errorf("failed to save messages: %w", err)
	}
	return nil
}

// reset starts a new conversation in place of the current one. The stored record of the old one is kept.
func (s *chatSession) reset() {
	s.conv.Reset()
	agent := s.record.Agent
	s.record = s.app.newRecord()
	s.record.Agent = agent
}

// sendOnce runs a turn through the non-streaming endpoint and stores it with the conversation.
func (a *chatApp) sendOnce(ctx context.Context, id, text string, attachments []models.Attachment) (models.Conversation, string, error) {
	rec := a.newRecord()
	var history []models.Message
	if id != "" {
		var err error
		if rec, err = a.store.Conversation(ctx, id); err != nil {
			return models.Conversation{}, "", err
		}
		if history, err = a.store.Messages(ctx, id); err != nil {
			return models.Conversation{}, "", err
		}
	}
	if a.cfg.Agent != "" {
		rec.Agent = a.cfg.Agent
	}

	userMsg := models.NewTextMessage(uuid.NewString(), models.RoleUser, text)
	if len(attachments) > 0 {
		userMsg.Attachment = &attachments[0]
	}
	res, err := a.backend.Chat(ctx, services.ChatRequest{
		Message:     userMsg,
		Agent:       rec.Agent,
		SessionID:   rec.SessionID,
		Attachments: attachments,
	})
	if err != nil {
		return rec, "", err
	}

	if rec.SessionID == "" {
		rec.SessionID = res.SessionID
	}
	if rec.Title == "" {
		rec.Title = titleFrom(text)
	}
	rec.UpdatedAt = time.Now()
	reply := models.NewTextMessage(uuid.NewString(), models.RoleAssistant, res.Response)

	if err := a.store.SaveConversation(ctx, rec); err != nil {
		return rec, res.Response, fmt.Errorf("failed to save conversation: %w", err)
	}
	if err := a.store.ReplaceMessages(ctx, rec.ID, append(history, userMsg, reply)); err != nil {
		return rec, res.Response, fmt.Errorf("failed to save messages: %w", err)
	}
	return rec, res.Response, nil
}

// readAttachments loads files to send with a message.
func readAttachments(paths []string) ([]models.Attachment, error) {
	atts := make([]models.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(p))
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		atts = append(atts, models.Attachment{Name: filepath.Base(p), MIMEType: mimeType, Data: data})
	}
	return atts, nil
}

func titleFrom(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	runes := []rune(title)
	if len(runes) > titleMaxLen {
		return string(runes[:titleMaxLen-1]) + "…"
	}
	return title
}
