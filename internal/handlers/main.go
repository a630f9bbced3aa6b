package handlers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/MegaGrindStone/chat-stream/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context,
// the system prompt of the replying persona and a sequence of messages, returning an iterator that yields
// response chunks and potential errors.
type LLM interface {
	Chat(ctx context.Context, systemPrompt string, messages []models.Message) iter.Seq2[string, error]
}

// Store defines the interface for persisting backend sessions and their message history. A session is
// stored as a conversation whose ID is the session identifier.
type Store interface {
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	SaveConversation(ctx context.Context, conv models.Conversation) error

	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	AppendMessages(ctx context.Context, conversationID string, messages ...models.Message) error
}

// Persona is one member of an agent. Every persona replies in turn, each reply streamed as its own
// logical message.
type Persona struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"systemPrompt"`
}

// Agent is a named group of personas answering the same user message.
type Agent struct {
	Name    string    `yaml:"name"`
	Members []Persona `yaml:"members"`
}

// Main serves the chat backend API: a streaming endpoint that emits data frames and a non-streaming
// endpoint that returns the whole response at once. It resolves agents by name and keeps the history of
// every session in the Store.
type Main struct {
	llm   LLM
	store Store

	agents       map[string]Agent
	defaultAgent string

	maxUploadSize int64
	historyLimit  int

	baseCtx context.Context
	stop    context.CancelFunc

	logger *slog.Logger
}

// Option configures Main.
type Option func(*Main)

const (
	errLoggerKey = "err"

	defaultMaxUploadSize = 32 << 20
)

// WithMaxUploadSize sets the maximum size of multipart request bodies kept in memory.
func WithMaxUploadSize(n int64) Option {
	return func(m *Main) {
		m.maxUploadSize = n
	}
}

// WithHistoryLimit bounds the number of stored messages sent to the LLM. Zero means no limit.
func WithHistoryLimit(n int) Option {
	return func(m *Main) {
		m.historyLimit = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Main) {
		m.logger = logger
	}
}

// NewMain creates a new Main with the provided LLM, Store and agents. The first agent is the default
// used when a request doesn't name one. Every agent needs a name and at least one member.
func NewMain(llm LLM, store Store, agents []Agent, opts ...Option) (Main, error) {
	if len(agents) == 0 {
		return Main{}, errors.New("at least one agent is required")
	}

	agentsMap := make(map[string]Agent, len(agents))
	for _, a := range agents {
		if a.Name == "" {
			return Main{}, errors.New("agent name is required")
		}
		if len(a.Members) == 0 {
			return Main{}, fmt.Errorf("agent %s has no members", a.Name)
		}
		if _, ok := agentsMap[a.Name]; ok {
			return Main{}, fmt.Errorf("duplicate agent %s", a.Name)
		}
		agentsMap[a.Name] = a
	}

	baseCtx, stop := context.WithCancel(context.Background())
	m := Main{
		llm:           llm,
		store:         store,
		agents:        agentsMap,
		defaultAgent:  agents[0].Name,
		maxUploadSize: defaultMaxUploadSize,
		baseCtx:       baseCtx,
		stop:          stop,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.logger = m.logger.With(slog.String("module", "handlers"))

	return m, nil
}

// Routes returns the HTTP handler of the backend API.
func (m Main) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(m.logRequests)
	r.Use(middleware.Recoverer)

	r.Post(services.StreamChatPath, m.HandleStreamChat)
	r.Post(services.ChatPath, m.HandleChat)
	r.Get("/healthz", m.HandleHealth)

	return r
}

// HandleHealth reports that the server is up.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// Shutdown stops every response still streaming. In-flight turns end with an error frame, so clients
// keep what was streamed so far.
func (m Main) Shutdown(context.Context) error {
	m.stop()
	return nil
}

// requestContext returns a context that is cancelled when either the request or the server ends.
func (m Main) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stopAfter := context.AfterFunc(m.baseCtx, cancel)
	return ctx, func() {
		stopAfter()
		cancel()
	}
}

func (m Main) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		m.logger.Info("Request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("requestID", middleware.GetReqID(r.Context())))
	})
}
