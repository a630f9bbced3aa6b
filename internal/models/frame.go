package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameType discriminates the payload of a stream frame.
type FrameType string

// Frame is one structured event extracted from a streamed chat response. Which fields are filled depends
// on Type: token frames carry Token and optionally MessageID, done frames optionally carry SessionID, and
// error frames carry Message.
type Frame struct {
	Type      FrameType `json:"type"`
	Token     string    `json:"token,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message,omitempty"`
}

const (
	// FrameToken carries a piece of assistant text.
	FrameToken FrameType = "token"
	// FrameDone terminates the stream successfully.
	FrameDone FrameType = "done"
	// FrameError terminates the stream with a server-side failure.
	FrameError FrameType = "error"

	// FramePrefix is the prefix of every relevant line in the response body.
	FramePrefix = "data: "
)

// ErrMalformedFrame is returned by ParseFrame when a data line does not hold a valid frame.
var ErrMalformedFrame = errors.New("malformed frame")

// ParseFrame parses a single line of the response body. It returns ok false for lines that don't start
// with FramePrefix, as those carry no frame. Data lines whose payload is not valid JSON, or whose type is
// missing or unknown, yield an error wrapping ErrMalformedFrame.
func ParseFrame(line string) (Frame, bool, error) {
	payload, found := strings.CutPrefix(line, FramePrefix)
	if !found {
		return Frame{}, false, nil
	}

	var f Frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return Frame{}, true, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	switch f.Type {
	case FrameToken, FrameDone, FrameError:
	case "":
		return Frame{}, true, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return Frame{}, true, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}

	return f, true, nil
}

// Encode returns the frame as a data line payload, without the prefix and the trailing newline.
func (f Frame) Encode() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to marshal frame: %w", err)
	}
	return string(b), nil
}
