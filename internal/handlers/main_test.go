package handlers_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/chat-stream/internal/conversation"
	"github.com/MegaGrindStone/chat-stream/internal/handlers"
	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/MegaGrindStone/chat-stream/internal/services"
)

type mockLLM struct {
	mu      sync.Mutex
	replies map[string][]string
	err     error
	prompts []string
	seen    [][]models.Message
}

type mockStore struct {
	mu       sync.Mutex
	convs    map[string]models.Conversation
	messages map[string][]models.Message
}

var team = []handlers.Agent{
	{
		Name: "team",
		Members: []handlers.Persona{
			{Name: "lead", SystemPrompt: "lead"},
			{Name: "critic", SystemPrompt: "critic"},
		},
	},
	{
		Name:    "solo",
		Members: []handlers.Persona{{Name: "solo", SystemPrompt: "solo"}},
	},
}

func newMockLLM() *mockLLM {
	return &mockLLM{replies: map[string][]string{
		"lead":   {"Hel", "lo"},
		"critic": {"Hmm", "."},
		"solo":   {"Just", " me"},
	}}
}

func newMockStore() *mockStore {
	return &mockStore{
		convs:    map[string]models.Conversation{},
		messages: map[string][]models.Message{},
	}
}

func newMain(t *testing.T, llm handlers.LLM, store handlers.Store, opts ...handlers.Option) handlers.Main {
	t.Helper()
	opts = append([]handlers.Option{handlers.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	m, err := handlers.NewMain(llm, store, team, opts...)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func chatBody(t *testing.T, text, agent, session string) io.Reader {
	t.Helper()
	req := services.WireChatRequest{
		Message:   services.WireMessage{Role: models.RoleUser, Content: text},
		Agent:     agent,
		SessionID: session,
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return strings.NewReader(string(b))
}

func readFrames(t *testing.T, body io.Reader) []models.Frame {
	t.Helper()
	var out []models.Frame
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		f, ok, err := models.ParseFrame(sc.Text())
		if err != nil {
			t.Fatalf("ParseFrame(%q) error = %v", sc.Text(), err)
		}
		if ok {
			out = append(out, f)
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestNewMain(t *testing.T) {
	tests := []struct {
		name   string
		agents []handlers.Agent
	}{
		{name: "No agents"},
		{name: "Unnamed agent", agents: []handlers.Agent{{Members: []handlers.Persona{{Name: "a"}}}}},
		{name: "No members", agents: []handlers.Agent{{Name: "a"}}},
		{name: "Duplicate", agents: []handlers.Agent{team[1], team[1]}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := handlers.NewMain(newMockLLM(), newMockStore(), tt.agents); err == nil {
				t.Error("NewMain() error = nil, want error")
			}
		})
	}
}

func TestHandleStreamChatInvalid(t *testing.T) {
	m := newMain(t, newMockLLM(), newMockStore())

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "Malformed body", body: "{", wantStatus: http.StatusBadRequest},
		{name: "Empty message", body: `{"message":{"role":"user","content":"  "}}`, wantStatus: http.StatusBadRequest},
		{name: "Wrong role", body: `{"message":{"role":"assistant","content":"hi"}}`, wantStatus: http.StatusBadRequest},
		{name: "Unknown agent", body: `{"message":{"content":"hi"},"agent":"nobody"}`, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, services.StreamChatPath, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			m.Routes().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v (body %q)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHandleStreamChat(t *testing.T) {
	llm := newMockLLM()
	store := newMockStore()
	m := newMain(t, llm, store)

	srv := httptest.NewServer(m.Routes())
	defer srv.Close()

	res, err := http.Post(srv.URL+services.StreamChatPath, "application/json", chatBody(t, "hello team", "team", ""))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}

	frames := readFrames(t, res.Body)
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5: %+v", len(frames), frames)
	}

	var tokens []string
	ids := map[string]string{}
	for _, f := range frames[:4] {
		if f.Type != models.FrameToken || f.MessageID == "" {
			t.Fatalf("frame = %+v, want token frame with message id", f)
		}
		tokens = append(tokens, f.Token)
		ids[f.MessageID] += f.Token
	}
	if got := strings.Join(tokens, ""); got != "HelloHmm." {
		t.Errorf("tokens = %q", got)
	}
	if len(ids) != 2 || frames[0].MessageID != frames[1].MessageID || frames[1].MessageID == frames[2].MessageID {
		t.Errorf("message ids = %v, want one per member", ids)
	}

	done := frames[4]
	if done.Type != models.FrameDone || done.SessionID == "" {
		t.Fatalf("last frame = %+v, want done with session", done)
	}

	stored := store.messages[done.SessionID]
	if len(stored) != 3 {
		t.Fatalf("stored %d messages, want 3", len(stored))
	}
	if stored[0].Role != models.RoleUser || stored[1].Text() != "Hello" || stored[2].Text() != "Hmm." {
		t.Errorf("stored = %+v", stored)
	}
	if stored[1].MessageID != frames[0].MessageID {
		t.Errorf("stored message id = %q, want %q", stored[1].MessageID, frames[0].MessageID)
	}
	if conv := store.convs[done.SessionID]; conv.Title != "hello team" || conv.Agent != "team" {
		t.Errorf("conversation = %+v", conv)
	}

	// The critic sees the reply of the lead.
	if n := len(llm.seen[1]); n != 2 || llm.seen[1][1].Text() != "Hello" {
		t.Errorf("critic history = %+v", llm.seen[1])
	}
	if llm.prompts[0] != "lead" || llm.prompts[1] != "critic" {
		t.Errorf("prompts = %v", llm.prompts)
	}
}

func TestHandleStreamChatLLMError(t *testing.T) {
	llm := newMockLLM()
	llm.err = errors.New("model overloaded")
	store := newMockStore()
	m := newMain(t, llm, store)

	req := httptest.NewRequest(http.MethodPost, services.StreamChatPath, chatBody(t, "hi", "solo", "s1"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	m.Routes().ServeHTTP(w, req)

	frames := readFrames(t, w.Body)
	if len(frames) == 0 {
		t.Fatal("no frames")
	}
	last := frames[len(frames)-1]
	if last.Type != models.FrameError || !strings.Contains(last.Message, "model overloaded") {
		t.Errorf("last frame = %+v, want error frame", last)
	}
	if len(store.messages["s1"]) != 0 {
		t.Errorf("stored %d messages after failure, want 0", len(store.messages["s1"]))
	}
}

func TestHandleChat(t *testing.T) {
	store := newMockStore()
	m := newMain(t, newMockLLM(), store, handlers.WithHistoryLimit(1))

	store.convs["s1"] = models.Conversation{ID: "s1", SessionID: "s1", Agent: "team"}
	store.messages["s1"] = []models.Message{
		models.NewTextMessage("1", models.RoleUser, "old question"),
		models.NewTextMessage("2", models.RoleAssistant, "old answer"),
	}

	req := httptest.NewRequest(http.MethodPost, services.ChatPath, chatBody(t, "next", "team", "s1"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	m.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %v, body %q", w.Code, w.Body.String())
	}
	var res services.WireChatResponse
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Response != "Hello\n\nHmm." || res.SessionID != "s1" {
		t.Errorf("response = %+v", res)
	}
	if n := len(store.messages["s1"]); n != 5 {
		t.Errorf("stored %d messages, want 5", n)
	}
}

func TestHandleChatLLMError(t *testing.T) {
	llm := newMockLLM()
	llm.err = errors.New("boom")
	m := newMain(t, llm, newMockStore())

	req := httptest.NewRequest(http.MethodPost, services.ChatPath, chatBody(t, "hi", "", ""))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	m.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %v, want %v", w.Code, http.StatusBadGateway)
	}
}

func TestHandleHealth(t *testing.T) {
	m := newMain(t, newMockLLM(), newMockStore())

	w := httptest.NewRecorder()
	m.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("health = %v %q", w.Code, w.Body.String())
	}
}

// TestConversationRoundTrip drives the backend through the client side: the Backend service and the
// conversation assembler must rebuild one log entry per member and keep the session.
func TestConversationRoundTrip(t *testing.T) {
	store := newMockStore()
	m := newMain(t, newMockLLM(), store)

	srv := httptest.NewServer(m.Routes())
	defer srv.Close()

	c := conversation.New(services.NewBackend(srv.URL),
		conversation.WithAgent("team"),
		conversation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	res, err := c.Send(context.Background(), "hello team")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Tokens != 4 || res.Truncated {
		t.Errorf("result = %+v", res)
	}

	msgs := c.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[1].Text() != "Hello" || msgs[2].Text() != "Hmm." {
		t.Errorf("messages = %q, %q", msgs[1].Text(), msgs[2].Text())
	}
	if msgs[1].MessageID == "" || msgs[1].MessageID == msgs[2].MessageID {
		t.Errorf("message ids = %q, %q", msgs[1].MessageID, msgs[2].MessageID)
	}

	session := c.SessionID()
	if session == "" {
		t.Fatal("session not captured")
	}
	if _, err := c.Send(context.Background(), "again"); err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	if c.SessionID() != session {
		t.Errorf("session changed from %q to %q", session, c.SessionID())
	}
	if n := len(store.messages[session]); n != 6 {
		t.Errorf("stored %d messages, want 6", n)
	}
}

func (m *mockLLM) Chat(_ context.Context, systemPrompt string, messages []models.Message) iter.Seq2[string, error] {
	m.mu.Lock()
	m.prompts = append(m.prompts, systemPrompt)
	m.seen = append(m.seen, models.CloneMessages(messages))
	replies, err := m.replies[systemPrompt], m.err
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		if len(replies) > 0 && !yield(replies[0], nil) {
			return
		}
		if err != nil {
			yield("", err)
			return
		}
		for _, r := range replies[1:] {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *mockStore) Conversation(_ context.Context, id string) (models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, services.ErrConversationNotFound)
	}
	return c, nil
}

func (m *mockStore) SaveConversation(_ context.Context, conv models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[conv.ID] = conv
	return nil
}

func (m *mockStore) Messages(_ context.Context, id string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.CloneMessages(m.messages[id]), nil
}

func (m *mockStore) AppendMessages(_ context.Context, id string, msgs ...models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; !ok {
		return services.ErrConversationNotFound
	}
	m.messages[id] = append(m.messages[id], msgs...)
	return nil
}
