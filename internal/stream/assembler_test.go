package stream_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/MegaGrindStone/chat-stream/internal/stream"
	"github.com/google/go-cmp/cmp"
)

type entry struct {
	Role      models.Role
	Text      string
	MessageID string
}

// chunkReader returns one chunk per Read call, then the configured error (io.EOF by default).
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func seedLog() *stream.MemoryLog {
	return stream.NewMemoryLog([]models.Message{
		models.NewTextMessage("u1", models.RoleUser, "hi"),
		{ID: "p1", Role: models.RoleAssistant},
	}, nil)
}

func entries(msgs []models.Message) []entry {
	out := make([]entry, len(msgs))
	for i, m := range msgs {
		out[i] = entry{Role: m.Role, Text: m.Text(), MessageID: m.MessageID}
	}
	return out
}

func run(t *testing.T, r io.Reader, opts ...stream.Option) (*stream.MemoryLog, stream.Result, error) {
	t.Helper()
	log := seedLog()
	opts = append([]stream.Option{stream.WithSessionSink(log)}, opts...)
	a := stream.New(log, 1, opts...)
	res, err := a.Run(context.Background(), r)
	return log, res, err
}

func frames(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestRunHello(t *testing.T) {
	body := frames(
		`data: {"type":"token","token":"Hel"}`,
		`data: {"type":"token","token":"lo"}`,
		`data: {"type":"done"}`,
	)

	log, res, err := run(t, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []entry{
		{Role: models.RoleUser, Text: "hi"},
		{Role: models.RoleAssistant, Text: "Hello"},
	}
	if diff := cmp.Diff(want, entries(log.Messages())); diff != "" {
		t.Errorf("log mismatch (-want +got):\n%s", diff)
	}
	if res.Tokens != 2 || res.Messages != 1 || res.Truncated {
		t.Errorf("Run() result = %+v", res)
	}
}

func TestRunConcatenation(t *testing.T) {
	tokens := []string{"The ", "quick ", "", "brown ", "fox ", "→ ", "jumps"}

	for _, id := range []string{"", "m1"} {
		t.Run("id="+id, func(t *testing.T) {
			var lines []string
			for _, tok := range tokens {
				f := models.Frame{Type: models.FrameToken, Token: tok, MessageID: id}
				payload, err := f.Encode()
				if err != nil {
					t.Fatal(err)
				}
				lines = append(lines, models.FramePrefix+payload)
			}
			lines = append(lines, `data: {"type":"done"}`)

			log, _, err := run(t, strings.NewReader(frames(lines...)))
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			msgs := log.Messages()
			if len(msgs) != 2 {
				t.Fatalf("len(log) = %d, want 2", len(msgs))
			}
			if got, want := msgs[1].Text(), strings.Join(tokens, ""); got != want {
				t.Errorf("content = %q, want %q", got, want)
			}
			if msgs[1].MessageID != id {
				t.Errorf("MessageID = %q, want %q", msgs[1].MessageID, id)
			}
		})
	}
}

func TestRunMultipleMessageIDs(t *testing.T) {
	body := frames(
		`data: {"type":"token","token":"A1","message_id":"a"}`,
		`data: {"type":"token","token":"A2","message_id":"a"}`,
		`data: {"type":"token","token":"B1","message_id":"b"}`,
		`data: {"type":"token","token":"B2","message_id":"b"}`,
		`data: {"type":"token","token":"C1","message_id":"c"}`,
		`data: {"type":"done"}`,
	)

	log, res, err := run(t, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []entry{
		{Role: models.RoleUser, Text: "hi"},
		{Role: models.RoleAssistant, Text: "A1A2", MessageID: "a"},
		{Role: models.RoleAssistant, Text: "B1B2", MessageID: "b"},
		{Role: models.RoleAssistant, Text: "C1", MessageID: "c"},
	}
	msgs := log.Messages()
	if diff := cmp.Diff(want, entries(msgs)); diff != "" {
		t.Errorf("log mismatch (-want +got):\n%s", diff)
	}
	if res.Messages != 3 {
		t.Errorf("Result.Messages = %d, want 3", res.Messages)
	}
	if msgs[1].ID != "p1" {
		t.Errorf("first message should reuse the placeholder, got ID %q", msgs[1].ID)
	}
	if msgs[2].ID == "" || msgs[2].ID == msgs[3].ID {
		t.Errorf("appended messages need distinct local ids, got %q and %q", msgs[2].ID, msgs[3].ID)
	}
}

func TestRunUntrackedThenTracked(t *testing.T) {
	body := frames(
		`data: {"type":"token","token":"x"}`,
		`data: {"type":"token","token":"y","message_id":"a"}`,
		`data: {"type":"token","token":"z"}`,
		`data: {"type":"token","token":"1","message_id":"b"}`,
		`data: {"type":"done"}`,
	)

	log, _, err := run(t, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []entry{
		{Role: models.RoleUser, Text: "hi"},
		{Role: models.RoleAssistant, Text: "xyz", MessageID: "a"},
		{Role: models.RoleAssistant, Text: "1", MessageID: "b"},
	}
	if diff := cmp.Diff(want, entries(log.Messages())); diff != "" {
		t.Errorf("log mismatch (-want +got):\n%s", diff)
	}
}

func TestRunChunkBoundaryIndependence(t *testing.T) {
	body := frames(
		`data: {"type":"token","token":"Grüße ","message_id":"a"}`,
		``,
		`: comment`,
		`data: {"type":"token","token":"aus ","message_id":"a"}`,
		`data: {"type":"token","token":"Köln","message_id":"b"}`,
		`data: {"type":"done","session_id":"s1"}`,
	)

	wantLog, _, err := run(t, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := entries(wantLog.Messages())

	for i := 1; i < len(body); i++ {
		got, _, err := run(t, &chunkReader{chunks: []string{body[:i], body[i:]}})
		if err != nil {
			t.Fatalf("split at %d: Run() error = %v", i, err)
		}
		if diff := cmp.Diff(want, entries(got.Messages())); diff != "" {
			t.Fatalf("split at %d: log mismatch (-want +got):\n%s", i, diff)
		}
		if got.SessionID() != "s1" {
			t.Fatalf("split at %d: session = %q", i, got.SessionID())
		}
	}

	got, _, err := run(t, iotest.OneByteReader(strings.NewReader(body)))
	if err != nil {
		t.Fatalf("one byte reads: Run() error = %v", err)
	}
	if diff := cmp.Diff(want, entries(got.Messages())); diff != "" {
		t.Errorf("one byte reads: log mismatch (-want +got):\n%s", diff)
	}

	crlf := strings.ReplaceAll(body, "\n", "\r\n")
	got, _, err = run(t, iotest.HalfReader(strings.NewReader(crlf)))
	if err != nil {
		t.Fatalf("crlf: Run() error = %v", err)
	}
	if diff := cmp.Diff(want, entries(got.Messages())); diff != "" {
		t.Errorf("crlf: log mismatch (-want +got):\n%s", diff)
	}
}

func TestRunMalformedLineTolerance(t *testing.T) {
	good := []string{
		`data: {"type":"token","token":"Hel"}`,
		`data: {"type":"token","token":"lo"}`,
		`data: {"type":"done"}`,
	}
	malformed := []string{
		`data: {"type":"token","token":`,
		`data: not json`,
		`data: {"type":"unknown"}`,
		`data: {}`,
	}

	want, _, err := run(t, strings.NewReader(frames(good...)))
	if err != nil {
		t.Fatal(err)
	}

	for _, bad := range malformed {
		for pos := 0; pos < len(good); pos++ {
			lines := append([]string{}, good[:pos]...)
			lines = append(lines, bad)
			lines = append(lines, good[pos:]...)

			got, res, err := run(t, strings.NewReader(frames(lines...)))
			if err != nil {
				t.Fatalf("%q at %d: Run() error = %v", bad, pos, err)
			}
			if diff := cmp.Diff(entries(want.Messages()), entries(got.Messages())); diff != "" {
				t.Errorf("%q at %d: log mismatch (-want +got):\n%s", bad, pos, diff)
			}
			if res.Malformed != 1 {
				t.Errorf("%q at %d: Result.Malformed = %d, want 1", bad, pos, res.Malformed)
			}
		}
	}
}

func TestRunTruncated(t *testing.T) {
	body := `data: {"type":"token","token":"par"}` + "\n" + `data: {"type":"token","token":"tial"}`

	log, res, err := run(t, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Truncated {
		t.Error("Result.Truncated = false, want true")
	}
	if got := log.Messages()[1].Text(); got != "partial" {
		t.Errorf("content = %q, want %q", got, "partial")
	}

	_, _, err = run(t, strings.NewReader(body), stream.WithRequireDone())
	if !errors.Is(err, stream.ErrTruncated) {
		t.Errorf("Run() with WithRequireDone error = %v, want ErrTruncated", err)
	}
}

func TestRunDoneWithoutTrailingNewline(t *testing.T) {
	body := `data: {"type":"token","token":"ok"}` + "\n" + `data: {"type":"done","session_id":"s9"}`

	log, res, err := run(t, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Truncated {
		t.Error("Result.Truncated = true, want false")
	}
	if log.SessionID() != "s9" {
		t.Errorf("SessionID() = %q, want s9", log.SessionID())
	}
}

func TestRunStopsAtDone(t *testing.T) {
	body := frames(
		`data: {"type":"token","token":"a"}`,
		`data: {"type":"done"}`,
		`data: {"type":"token","token":"ignored"}`,
	)

	log, _, err := run(t, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := log.Messages()[1].Text(); got != "a" {
		t.Errorf("content = %q, want %q", got, "a")
	}
}

func TestRunServerError(t *testing.T) {
	body := frames(
		`data: {"type":"token","token":"a"}`,
		`data: {"type":"error","message":"rate limited"}`,
		`data: {"type":"token","token":"b"}`,
	)

	log := seedLog()
	a := stream.New(log, 1)
	_, err := a.Run(context.Background(), strings.NewReader(body))

	var srvErr *stream.ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("Run() error = %v, want *ServerError", err)
	}
	if srvErr.Message != "rate limited" {
		t.Errorf("ServerError.Message = %q", srvErr.Message)
	}
	if a.State() != stream.StateFailed {
		t.Errorf("State() = %v, want failed", a.State())
	}
	if got := log.Messages()[1].Text(); got != "a" {
		t.Errorf("content = %q, want %q", got, "a")
	}
}

func TestRunTransportError(t *testing.T) {
	connErr := errors.New("connection reset")
	r := &chunkReader{chunks: []string{`data: {"type":"token","token":"a"}` + "\n"}, err: connErr}

	_, _, err := run(t, r)

	var tErr *stream.TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("Run() error = %v, want *TransportError", err)
	}
	if !errors.Is(err, connErr) {
		t.Errorf("Run() error = %v, want to wrap %v", err, connErr)
	}
}

func TestRunSessionFirstWriteWins(t *testing.T) {
	log := seedLog()

	a := stream.New(log, 1, stream.WithSessionSink(log))
	if _, err := a.Run(context.Background(), strings.NewReader(frames(`data: {"type":"done","session_id":"s1"}`))); err != nil {
		t.Fatal(err)
	}

	idx := log.Append(models.Message{ID: "p2", Role: models.RoleAssistant})
	b := stream.New(log, idx, stream.WithSessionSink(log))
	res, err := b.Run(context.Background(), strings.NewReader(frames(`data: {"type":"done","session_id":"s2"}`)))
	if err != nil {
		t.Fatal(err)
	}

	if log.SessionID() != "s1" {
		t.Errorf("SessionID() = %q, want s1", log.SessionID())
	}
	if res.SessionID != "s2" {
		t.Errorf("Result.SessionID = %q, want the frame value s2", res.SessionID)
	}
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := stream.New(seedLog(), 1)
	_, err := a.Run(ctx, strings.NewReader(frames(`data: {"type":"done"}`)))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

type staleLog struct{}

func (staleLog) Update(func([]models.Message) ([]models.Message, error)) error {
	return stream.ErrStale
}

func TestRunStaleLog(t *testing.T) {
	a := stream.New(staleLog{}, 0)
	_, err := a.Run(context.Background(), strings.NewReader(frames(`data: {"type":"token","token":"a"}`)))
	if !errors.Is(err, stream.ErrStale) {
		t.Errorf("Run() error = %v, want ErrStale", err)
	}
}

func TestRunBadPlaceholder(t *testing.T) {
	a := stream.New(seedLog(), 7)
	_, err := a.Run(context.Background(), strings.NewReader(frames(`data: {"type":"token","token":"a"}`)))
	if !errors.Is(err, stream.ErrPlaceholder) {
		t.Errorf("Run() error = %v, want ErrPlaceholder", err)
	}
}

func TestRunStates(t *testing.T) {
	log := seedLog()
	a := stream.New(log, 1)
	if a.State() != stream.StateIdle {
		t.Errorf("State() = %v, want idle", a.State())
	}
	if _, err := a.Run(context.Background(), strings.NewReader(frames(`data: {"type":"token","token":"a","message_id":"m"}`, `data: {"type":"done"}`))); err != nil {
		t.Fatal(err)
	}
	if a.State() != stream.StateCompleted {
		t.Errorf("State() = %v, want completed", a.State())
	}
	if _, err := a.Run(context.Background(), strings.NewReader("")); err == nil {
		t.Error("second Run() should fail")
	}
}

func TestRunSnapshotsAreIsolated(t *testing.T) {
	var snapshots [][]models.Message
	log := stream.NewMemoryLog([]models.Message{{ID: "p", Role: models.RoleAssistant}}, func(msgs []models.Message) {
		snapshots = append(snapshots, msgs)
	})

	a := stream.New(log, 0)
	body := frames(`data: {"type":"token","token":"a"}`, `data: {"type":"token","token":"b"}`, `data: {"type":"done"}`)
	if _, err := a.Run(context.Background(), strings.NewReader(body)); err != nil {
		t.Fatal(err)
	}

	if len(snapshots) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snapshots))
	}
	if got := snapshots[0][0].Text(); got != "a" {
		t.Errorf("first snapshot = %q, want %q", got, "a")
	}
	if got := snapshots[1][0].Text(); got != "ab" {
		t.Errorf("second snapshot = %q, want %q", got, "ab")
	}
}
