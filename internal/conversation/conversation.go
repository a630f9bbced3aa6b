// Package conversation owns the state of one chat view: the ordered message log, the backend session
// identifier, and the single in-flight turn that streams into the log.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/MegaGrindStone/chat-stream/internal/services"
	"github.com/MegaGrindStone/chat-stream/internal/stream"
	"github.com/google/uuid"
)

// Streamer opens a streamed chat response for one turn.
type Streamer interface {
	StreamChat(ctx context.Context, req services.ChatRequest) (io.ReadCloser, error)
}

// Snapshot is an immutable view of the log published after every accepted mutation.
type Snapshot struct {
	Generation uint64
	Messages   []models.Message
	// InProgress is the index of the message currently being streamed, or -1.
	InProgress int
}

// Conversation is the explicit context object of a chat view. It is created when the view mounts,
// reset on "new conversation", and discarded with the view. It is safe for concurrent use, but only one
// turn can stream at a time.
type Conversation struct {
	streamer    Streamer
	agent       string
	observer    func(Snapshot)
	logger      *slog.Logger
	baseLogger  *slog.Logger
	requireDone bool

	notifyMu sync.Mutex

	mu         sync.Mutex
	messages   []models.Message
	sessionID  string
	generation uint64
	inProgress int
	cancel     context.CancelFunc
}

// Option configures a Conversation.
type Option func(*Conversation)

// ErrorText is the user-visible content that replaces an in-progress message whose turn failed.
const ErrorText = "Sorry, something went wrong while generating the response. Please try again."

const errLoggerKey = "err"

// ErrBusy is returned by Send when a turn is already streaming.
var ErrBusy = errors.New("a response is already streaming")

// WithAgent sets the agent identifier sent with every turn.
func WithAgent(agent string) Option {
	return func(c *Conversation) {
		c.agent = agent
	}
}

// WithSession resumes a conversation whose session identifier is already known.
func WithSession(sessionID string) Option {
	return func(c *Conversation) {
		c.sessionID = sessionID
	}
}

// WithMessages seeds the log, for example when resuming a stored conversation.
func WithMessages(messages []models.Message) Option {
	return func(c *Conversation) {
		c.messages = models.CloneMessages(messages)
	}
}

// WithObserver registers a function called with a Snapshot after every accepted mutation. Calls are
// serialized and happen in mutation order; the observer must not call back into the Conversation.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Conversation) {
		c.observer = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conversation) {
		c.logger = logger
	}
}

// WithRequireDone makes turns that end without a done frame fail.
func WithRequireDone() Option {
	return func(c *Conversation) {
		c.requireDone = true
	}
}

// New creates a Conversation that sends turns through streamer.
func New(streamer Streamer, opts ...Option) *Conversation {
	c := &Conversation{
		streamer:   streamer,
		logger:     slog.Default(),
		inProgress: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseLogger = c.logger
	c.logger = c.logger.With(slog.String("module", "conversation"))
	return c
}

// Messages returns a copy of the current log.
func (c *Conversation) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return models.CloneMessages(c.messages)
}

// SessionID returns the captured session identifier, or an empty string before the first completed turn.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sessionID
}

// Agent returns the agent identifier sent with every turn.
func (c *Conversation) Agent() string {
	return c.agent
}

// Generation returns the reset counter. It increases on every Reset.
func (c *Conversation) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generation
}

// Busy reports whether a turn is streaming.
func (c *Conversation) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cancel != nil
}

// CaptureSession stores id as the session identifier unless one is already set. It reports whether id
// was stored.
func (c *Conversation) CaptureSession(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.captureSessionLocked(id)
}

func (c *Conversation) captureSessionLocked(id string) bool {
	if id == "" || c.sessionID != "" {
		return false
	}
	c.sessionID = id
	return true
}

// Reset starts a new conversation. It clears the log and the session identifier and cancels the turn in
// flight, if any; updates still produced by that turn are discarded.
func (c *Conversation) Reset() {
	c.mu.Lock()
	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.messages = nil
	c.sessionID = ""
	c.inProgress = -1
	gen := c.generation
	c.unlockAndNotify(c.snapshotLocked())

	c.logger.Info("Conversation reset", slog.Uint64("generation", gen))
}

// Send runs one turn: it appends the user message and an empty assistant placeholder, opens the stream
// with the current session identifier, and assembles the streamed response into the log. Send blocks
// until the turn ends.
//
// On a transport or server failure the in-progress message is replaced with ErrorText, messages
// completed earlier in the turn are kept, and the error is returned. The conversation stays usable
// afterwards. If Reset is called while the turn streams, Send returns stream.ErrStale and leaves the new
// conversation untouched.
func (c *Conversation) Send(ctx context.Context, text string, attachments ...models.Attachment) (stream.Result, error) {
	userMsg := models.NewTextMessage(uuid.NewString(), models.RoleUser, text)
	if len(attachments) > 0 {
		userMsg.Attachment = &attachments[0]
	}
	placeholder := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return stream.Result{}, ErrBusy
	}
	c.cancel = cancel
	gen := c.generation
	msgs := append(models.CloneMessages(c.messages), userMsg, placeholder)
	c.messages = msgs
	c.inProgress = len(msgs) - 1
	placeholderIdx := c.inProgress
	sessionID := c.sessionID
	c.unlockAndNotify(c.snapshotLocked())
	defer c.finish(gen)

	logger := c.logger.With(slog.Uint64("generation", gen), slog.String("sessionID", sessionID))

	body, err := c.streamer.StreamChat(ctx, services.ChatRequest{
		Message:     userMsg,
		Agent:       c.agent,
		SessionID:   sessionID,
		Attachments: attachments,
	})
	if err != nil {
		if c.stale(gen) {
			return stream.Result{}, stream.ErrStale
		}
		logger.Error("Failed to open stream", slog.String(errLoggerKey, err.Error()))
		c.failTurn(gen, err)
		return stream.Result{}, fmt.Errorf("failed to open stream: %w", err)
	}
	defer body.Close()

	log := &turnLog{c: c, gen: gen}
	opts := []stream.Option{
		stream.WithSessionSink(log),
		stream.WithLogger(c.baseLogger.With(slog.Uint64("generation", gen))),
	}
	if c.requireDone {
		opts = append(opts, stream.WithRequireDone())
	}
	a := stream.New(log, placeholderIdx, opts...)

	res, err := a.Run(ctx, body)
	if err != nil {
		if c.stale(gen) {
			logger.Info("Discarding stale stream", slog.String(errLoggerKey, err.Error()))
			return res, stream.ErrStale
		}
		logger.Error("Stream failed",
			slog.String("state", a.State().String()),
			slog.String(errLoggerKey, err.Error()))
		c.failTurn(gen, err)
		return res, err
	}

	logger.Debug("Stream completed",
		slog.Int("messages", res.Messages),
		slog.Int("tokens", res.Tokens),
		slog.Bool("truncated", res.Truncated))
	return res, nil
}

// failTurn replaces the content of the in-progress message with the user-visible error text.
func (c *Conversation) failTurn(gen uint64, err error) {
	text := ErrorText
	var srvErr *stream.ServerError
	if errors.As(err, &srvErr) && srvErr.Message != "" {
		text = fmt.Sprintf("%s (%s)", ErrorText, srvErr.Message)
	}

	c.mu.Lock()
	if c.generation != gen || c.inProgress < 0 || c.inProgress >= len(c.messages) {
		c.mu.Unlock()
		return
	}
	msgs := models.CloneMessages(c.messages)
	msgs[c.inProgress].SetText(text)
	c.messages = msgs
	c.unlockAndNotify(c.snapshotLocked())
}

func (c *Conversation) finish(gen uint64) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.cancel = nil
	c.inProgress = -1
	c.unlockAndNotify(c.snapshotLocked())
}

func (c *Conversation) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generation != gen
}

func (c *Conversation) snapshotLocked() Snapshot {
	return Snapshot{
		Generation: c.generation,
		Messages:   models.CloneMessages(c.messages),
		InProgress: c.inProgress,
	}
}

// unlockAndNotify releases c.mu and delivers snap to the observer. notifyMu is taken before c.mu is
// released so deliveries keep mutation order.
func (c *Conversation) unlockAndNotify(snap Snapshot) {
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	if c.observer != nil {
		c.observer(snap)
	}
}

// turnLog binds the assembler of one turn to the generation it started in, so a reset makes every later
// update of that turn stale.
type turnLog struct {
	c   *Conversation
	gen uint64
}

func (l *turnLog) Update(fn func([]models.Message) ([]models.Message, error)) error {
	l.c.mu.Lock()
	if l.c.generation != l.gen {
		l.c.mu.Unlock()
		return stream.ErrStale
	}
	next, err := fn(models.CloneMessages(l.c.messages))
	if err != nil {
		l.c.mu.Unlock()
		return err
	}
	l.c.messages = next
	l.c.inProgress = lastAssistant(next, l.c.inProgress)
	l.c.unlockAndNotify(l.c.snapshotLocked())
	return nil
}

func (l *turnLog) CaptureSession(id string) bool {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()

	if l.c.generation != l.gen {
		return false
	}
	return l.c.captureSessionLocked(id)
}

// lastAssistant returns the index of the message being streamed after an update. Appended messages
// always land at the end of the log.
func lastAssistant(msgs []models.Message, current int) int {
	if n := len(msgs) - 1; n > current && msgs[n].Role == models.RoleAssistant {
		return n
	}
	return current
}
