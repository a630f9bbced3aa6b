// Package stream turns a streamed chat response body into mutations of an ordered message log.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/google/uuid"
)

// Log is the message log the assembler writes into. Update applies fn to a private copy of the current
// log and, if fn succeeds, publishes the returned slice as the new log in one step. It returns fn's
// error, or ErrStale when the update was rejected because the read loop no longer owns the log.
type Log interface {
	Update(fn func(messages []models.Message) ([]models.Message, error)) error
}

// SessionSink receives the session identifier carried by a done frame. CaptureSession reports whether
// the identifier was stored; once a session is captured later values are ignored.
type SessionSink interface {
	CaptureSession(id string) bool
}

// State is the lifecycle position of an Assembler.
type State int

const (
	// StateIdle is the state before Run is called.
	StateIdle State = iota
	// StateStreaming means frames are being read but no message id has been seen yet.
	StateStreaming
	// StateTracking means frames are being read and a message id is being tracked.
	StateTracking
	// StateCompleted is entered on a done frame or at the natural end of the stream.
	StateCompleted
	// StateFailed is entered on an error frame, a transport failure or a rejected update.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateTracking:
		return "tracking"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result summarizes a finished stream.
type Result struct {
	// Messages is the number of logical assistant messages written, counting the placeholder.
	Messages int
	// Tokens is the number of token frames applied.
	Tokens int
	// Malformed is the number of data lines skipped because they didn't parse.
	Malformed int
	// Truncated is true when the stream ended without a done frame.
	Truncated bool
	// SessionID is the session identifier carried by the done frame, if any.
	SessionID string
}

// Assembler reconstructs assistant messages from one streamed response. An Assembler serves a single
// stream and is not safe for concurrent use.
type Assembler struct {
	log         Log
	sessions    SessionSink
	logger      *slog.Logger
	requireDone bool
	chunkSize   int

	lines     LineBuffer
	state     State
	index     int
	currentID string
	result    Result
}

// Option configures an Assembler.
type Option func(*Assembler)

const (
	defaultChunkSize = 4096

	errLoggerKey = "err"
)

// WithSessionSink sets where the session identifier of the done frame is delivered.
func WithSessionSink(s SessionSink) Option {
	return func(a *Assembler) {
		a.sessions = s
	}
}

// WithLogger sets the logger used for diagnostics such as skipped malformed frames.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		a.logger = logger
	}
}

// WithRequireDone makes a stream that ends without a done frame fail with ErrTruncated instead of
// completing with whatever was accumulated.
func WithRequireDone() Option {
	return func(a *Assembler) {
		a.requireDone = true
	}
}

// WithChunkSize sets the size of the read buffer.
func WithChunkSize(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// New creates an Assembler that writes into log. placeholderIdx is the index of the empty assistant
// message appended before the request was sent; the first logical message of the stream is written
// there.
func New(log Log, placeholderIdx int, opts ...Option) *Assembler {
	a := &Assembler{
		log:       log,
		logger:    slog.Default(),
		chunkSize: defaultChunkSize,
		index:     placeholderIdx,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("module", "stream"))
	return a
}

// State returns the current state of the assembler.
func (a *Assembler) State() State {
	return a.state
}

// Index returns the log index of the message currently being written.
func (a *Assembler) Index() int {
	return a.index
}

// Run reads r until a terminal frame or the end of the stream, applying every frame to the log in the
// order received. It returns nil on a done frame or at the natural end of the stream, a *ServerError on
// an error frame, a *TransportError when reading fails, and ErrStale when the log rejects an update.
// The context is checked before every read.
func (a *Assembler) Run(ctx context.Context, r io.Reader) (Result, error) {
	if a.state != StateIdle {
		return a.result, errors.New("assembler already used")
	}
	a.state = StateStreaming

	buf := make([]byte, a.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return a.fail(err)
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			for _, line := range a.lines.Feed(buf[:n]) {
				done, err := a.processLine(line)
				if err != nil {
					return a.fail(err)
				}
				if done {
					return a.complete()
				}
			}
		}

		if readErr == nil {
			continue
		}
		if !errors.Is(readErr, io.EOF) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return a.fail(ctxErr)
			}
			return a.fail(&TransportError{Err: readErr})
		}
		break
	}

	if rest := a.lines.Rest(); rest != "" {
		done, err := a.processLine(rest)
		if err != nil {
			return a.fail(err)
		}
		if done {
			return a.complete()
		}
	}

	a.result.Truncated = true
	a.logger.Warn("Stream ended without done frame",
		slog.Int("tokens", a.result.Tokens),
		slog.Int("messages", a.result.Messages))
	if a.requireDone {
		return a.fail(ErrTruncated)
	}
	return a.complete()
}

func (a *Assembler) complete() (Result, error) {
	a.state = StateCompleted
	return a.result, nil
}

func (a *Assembler) fail(err error) (Result, error) {
	a.state = StateFailed
	return a.result, err
}

// processLine applies one line to the log. It reports whether the line carried a terminal frame.
func (a *Assembler) processLine(line string) (bool, error) {
	frame, ok, err := models.ParseFrame(line)
	if !ok {
		return false, nil
	}
	if err != nil {
		a.result.Malformed++
		a.logger.Warn("Skipping malformed frame",
			slog.String("line", line),
			slog.String(errLoggerKey, err.Error()))
		return false, nil
	}

	switch frame.Type {
	case models.FrameToken:
		return false, a.applyToken(frame)
	case models.FrameDone:
		if frame.SessionID != "" {
			a.result.SessionID = frame.SessionID
			if a.sessions != nil && !a.sessions.CaptureSession(frame.SessionID) {
				a.logger.Debug("Session already captured, ignoring done session",
					slog.String("sessionID", frame.SessionID))
			}
		}
		return true, nil
	case models.FrameError:
		return true, &ServerError{Message: frame.Message}
	}
	return false, nil
}

func (a *Assembler) applyToken(frame models.Frame) error {
	switch {
	case frame.MessageID == "" || frame.MessageID == a.currentID:
		// Continues the current message, which is the placeholder until an id has been seen.
		if a.result.Messages == 0 {
			a.result.Messages = 1
		}
		if err := a.log.Update(func(msgs []models.Message) ([]models.Message, error) {
			if a.index < 0 || a.index >= len(msgs) {
				return nil, fmt.Errorf("%w: index %d", ErrPlaceholder, a.index)
			}
			msgs[a.index].AppendText(frame.Token)
			return msgs, nil
		}); err != nil {
			return err
		}

	case a.state == StateStreaming:
		// First message id of the stream reuses the placeholder slot.
		if err := a.log.Update(func(msgs []models.Message) ([]models.Message, error) {
			if a.index < 0 || a.index >= len(msgs) {
				return nil, fmt.Errorf("%w: index %d", ErrPlaceholder, a.index)
			}
			msgs[a.index].MessageID = frame.MessageID
			msgs[a.index].AppendText(frame.Token)
			return msgs, nil
		}); err != nil {
			return err
		}
		a.result.Messages = 1
		a.currentID = frame.MessageID
		a.state = StateTracking

	default:
		var newIdx int
		if err := a.log.Update(func(msgs []models.Message) ([]models.Message, error) {
			msg := models.NewTextMessage(uuid.NewString(), models.RoleAssistant, frame.Token)
			msg.MessageID = frame.MessageID
			newIdx = len(msgs)
			return append(msgs, msg), nil
		}); err != nil {
			return err
		}
		a.index = newIdx
		a.result.Messages++
		a.currentID = frame.MessageID
	}

	a.result.Tokens++
	return nil
}
