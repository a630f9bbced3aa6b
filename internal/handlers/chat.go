package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/MegaGrindStone/chat-stream/internal/services"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// turn is one user message being answered by every member of an agent.
type turn struct {
	agent     Agent
	sessionID string
	userMsg   models.Message
	history   []models.Message
}

// errBadRequest marks failures caused by the request itself.
var errBadRequest = errors.New("bad request")

// HandleStreamChat answers a chat request with a stream of data frames. Every member of the requested
// agent replies in turn; its tokens are sent as token frames carrying a message_id of its own. The
// stream ends with a done frame carrying the session identifier, or with an error frame if the LLM
// fails midway.
//
// The handler accepts both JSON and multipart bodies. Failures detected before streaming starts, such
// as an empty message or an unknown agent, are answered with a plain HTTP error instead.
func (m Main) HandleStreamChat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := m.requestContext(r)
	defer cancel()

	t, err := m.prepareTurn(ctx, r)
	if err != nil {
		m.writeError(w, err)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade to event stream", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	emit := func(f models.Frame) error {
		payload, err := f.Encode()
		if err != nil {
			return err
		}
		msg := &sse.Message{}
		msg.AppendData(payload)
		if err := sess.Send(msg); err != nil {
			return fmt.Errorf("failed to send frame: %w", err)
		}
		if err := sess.Flush(); err != nil {
			return fmt.Errorf("failed to flush frame: %w", err)
		}
		return nil
	}

	replies, err := m.runTurn(ctx, t, func(messageID, token string) error {
		return emit(models.Frame{Type: models.FrameToken, Token: token, MessageID: messageID})
	})
	if err != nil {
		m.logger.Error("Turn failed",
			slog.String("sessionID", t.sessionID),
			slog.String(errLoggerKey, err.Error()))
		if err := emit(models.Frame{Type: models.FrameError, Message: err.Error()}); err != nil {
			m.logger.Warn("Failed to send error frame", slog.String(errLoggerKey, err.Error()))
		}
		return
	}

	if err := m.saveTurn(ctx, t, replies); err != nil {
		m.logger.Error("Failed to save turn",
			slog.String("sessionID", t.sessionID),
			slog.String(errLoggerKey, err.Error()))
		_ = emit(models.Frame{Type: models.FrameError, Message: "failed to save conversation"})
		return
	}

	if err := emit(models.Frame{Type: models.FrameDone, SessionID: t.sessionID}); err != nil {
		m.logger.Warn("Failed to send done frame", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleChat answers a chat request with a single JSON object holding the replies of every member of the
// agent, separated by blank lines.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := m.requestContext(r)
	defer cancel()

	t, err := m.prepareTurn(ctx, r)
	if err != nil {
		m.writeError(w, err)
		return
	}

	replies, err := m.runTurn(ctx, t, func(string, string) error { return nil })
	if err != nil {
		m.logger.Error("Turn failed",
			slog.String("sessionID", t.sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if err := m.saveTurn(ctx, t, replies); err != nil {
		m.logger.Error("Failed to save turn",
			slog.String("sessionID", t.sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	texts := make([]string, len(replies))
	for i, reply := range replies {
		texts[i] = reply.Text()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(services.WireChatResponse{
		Response:  strings.Join(texts, "\n\n"),
		SessionID: t.sessionID,
	}); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) writeError(w http.ResponseWriter, err error) {
	m.logger.Error("Invalid chat request", slog.String(errLoggerKey, err.Error()))
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errUnknownAgent):
		status = http.StatusNotFound
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

var errUnknownAgent = errors.New("unknown agent")

// prepareTurn decodes the request, resolves the agent and loads the session history, creating the
// session if needed.
func (m Main) prepareTurn(ctx context.Context, r *http.Request) (turn, error) {
	req, err := services.DecodeChatRequest(r, m.maxUploadSize)
	if err != nil {
		return turn{}, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	if req.Message.Role != models.RoleUser {
		return turn{}, fmt.Errorf("%w: message role must be %s", errBadRequest, models.RoleUser)
	}
	if strings.TrimSpace(req.Message.Text()) == "" && len(req.Attachments) == 0 {
		return turn{}, fmt.Errorf("%w: message is required", errBadRequest)
	}

	agentName := req.Agent
	if agentName == "" {
		agentName = m.defaultAgent
	}
	agent, ok := m.agents[agentName]
	if !ok {
		return turn{}, fmt.Errorf("%w: %s", errUnknownAgent, agentName)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if _, err := m.store.Conversation(ctx, sessionID); err != nil {
		if !errors.Is(err, services.ErrConversationNotFound) {
			return turn{}, fmt.Errorf("failed to load session: %w", err)
		}
		if err := m.store.SaveConversation(ctx, models.Conversation{
			ID:        sessionID,
			Title:     conversationTitle(req.Message.Text()),
			Agent:     agent.Name,
			SessionID: sessionID,
			UpdatedAt: time.Now(),
		}); err != nil {
			return turn{}, fmt.Errorf("failed to create session: %w", err)
		}
	}

	history, err := m.store.Messages(ctx, sessionID)
	if err != nil {
		return turn{}, fmt.Errorf("failed to load history: %w", err)
	}
	if m.historyLimit > 0 && len(history) > m.historyLimit {
		history = history[len(history)-m.historyLimit:]
	}

	userMsg := models.NewTextMessage(uuid.NewString(), models.RoleUser, req.Message.Text())
	for i, att := range req.Attachments {
		if i == 0 {
			userMsg.Attachment = &att
		}
		userMsg.AppendText(fmt.Sprintf("\n\n[attachment: %s, %s, %d bytes]", att.Name, att.MIMEType, len(att.Data)))
	}

	return turn{
		agent:     agent,
		sessionID: sessionID,
		userMsg:   userMsg,
		history:   append(history, userMsg),
	}, nil
}

// runTurn lets every persona of the agent reply in order, passing each token to onToken together with the
// message id of the reply it belongs to. Later personas see the replies of earlier ones.
func (m Main) runTurn(ctx context.Context, t turn, onToken func(messageID, token string) error) ([]models.Message, error) {
	history := t.history
	var replies []models.Message

	for _, persona := range t.agent.Members {
		reply := models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			MessageID: uuid.NewString(),
			Timestamp: time.Now(),
		}

		for chunk, err := range m.llm.Chat(ctx, persona.SystemPrompt, history) {
			if err != nil {
				return nil, fmt.Errorf("%s failed: %w", persona.Name, err)
			}
			reply.AppendText(chunk)
			if err := onToken(reply.MessageID, chunk); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s interrupted: %w", persona.Name, err)
		}

		m.logger.Debug("Persona replied",
			slog.String("persona", persona.Name),
			slog.String("sessionID", t.sessionID),
			slog.Int("length", len(reply.Text())))

		replies = append(replies, reply)
		history = append(history, reply)
	}

	return replies, nil
}

func (m Main) saveTurn(ctx context.Context, t turn, replies []models.Message) error {
	msgs := append([]models.Message{t.userMsg}, replies...)
	if err := m.store.AppendMessages(ctx, t.sessionID, msgs...); err != nil {
		return fmt.Errorf("failed to append messages: %w", err)
	}

	conv, err := m.store.Conversation(ctx, t.sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	conv.UpdatedAt = time.Now()
	if err := m.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// conversationTitle derives a short title from the first user message.
func conversationTitle(text string) string {
	const maxLen = 48
	title := strings.Join(strings.Fields(text), " ")
	runes := []rune(title)
	if len(runes) > maxLen {
		return string(runes[:maxLen-1]) + "…"
	}
	return title
}
