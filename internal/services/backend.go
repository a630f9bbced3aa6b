package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/MegaGrindStone/chat-stream/internal/models"
)

// Backend is a client for the chat backend API. It opens streaming chat responses for the assembler
// and covers the non-streaming variant of the endpoint.
type Backend struct {
	baseURL string
	headers http.Header

	client *http.Client

	logger *slog.Logger
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// ChatRequest is one conversation turn sent to the backend.
type ChatRequest struct {
	Message     models.Message
	Agent       string
	SessionID   string
	Attachments []models.Attachment
}

// WireMessage is the message shape of the chat endpoints.
type WireMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// WireChatRequest is the JSON body of the chat endpoints.
type WireChatRequest struct {
	Message   WireMessage `json:"message"`
	Agent     string      `json:"agent"`
	SessionID string      `json:"session_id"`
}

// WireChatResponse is the body of the non-streaming chat endpoint.
type WireChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id,omitempty"`
}

const (
	// StreamChatPath is the path of the streaming chat endpoint.
	StreamChatPath = "/chat/stream"
	// ChatPath is the path of the non-streaming chat endpoint.
	ChatPath = "/chat"

	// AttachmentsField is the multipart field name carrying attachments.
	AttachmentsField = "files"
)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) BackendOption {
	return func(b *Backend) {
		b.client = c
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) BackendOption {
	return func(b *Backend) {
		b.headers.Add(key, value)
	}
}

// WithBackendLogger sets the logger.
func WithBackendLogger(logger *slog.Logger) BackendOption {
	return func(b *Backend) {
		b.logger = logger
	}
}

// NewBackend creates a new Backend talking to the API rooted at baseURL.
func NewBackend(baseURL string, opts ...BackendOption) Backend {
	b := Backend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		headers: http.Header{},
		client:  &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.With(slog.String("module", "backend"))
	return b
}

// StreamChat sends req to the streaming endpoint and returns the response body, which carries
// newline-delimited data frames. The caller must close the body. The context bounds the whole
// stream, cancelling it aborts the read.
func (b Backend) StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	resp, err := b.doRequest(ctx, StreamChatPath, req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Chat sends req to the non-streaming endpoint and returns the complete response text.
func (b Backend) Chat(ctx context.Context, req ChatRequest) (WireChatResponse, error) {
	resp, err := b.doRequest(ctx, ChatPath, req, "application/json")
	if err != nil {
		return WireChatResponse{}, err
	}
	defer resp.Body.Close()

	var res WireChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return WireChatResponse{}, fmt.Errorf("error decoding response: %w", err)
	}
	return res, nil
}

func (b Backend) doRequest(ctx context.Context, path string, req ChatRequest, accept string) (*http.Response, error) {
	body, contentType, err := encodeChatRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	for k, vs := range b.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", accept)

	b.logger.Debug("Sending chat request",
		slog.String("path", path),
		slog.String("agent", req.Agent),
		slog.String("sessionID", req.SessionID),
		slog.Int("attachments", len(req.Attachments)))

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return resp, nil
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// NewWireChatRequest converts req to the JSON body shape.
func NewWireChatRequest(req ChatRequest) WireChatRequest {
	return WireChatRequest{
		Message: WireMessage{
			Role:    req.Message.Role,
			Content: models.RenderContents(req.Message.Contents),
		},
		Agent:     req.Agent,
		SessionID: req.SessionID,
	}
}

func encodeChatRequest(req ChatRequest) (io.Reader, string, error) {
	wire := NewWireChatRequest(req)

	if len(req.Attachments) == 0 {
		jsonBody, err := json.Marshal(wire)
		if err != nil {
			return nil, "", fmt.Errorf("error marshaling request: %w", err)
		}
		return bytes.NewReader(jsonBody), "application/json", nil
	}

	msgJSON, err := json.Marshal(wire.Message)
	if err != nil {
		return nil, "", fmt.Errorf("error marshaling message: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"message", string(msgJSON)},
		{"agent", wire.Agent},
		{"session_id", wire.SessionID},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("error writing field %s: %w", f[0], err)
		}
	}
	for _, att := range req.Attachments {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, AttachmentsField, att.Name))
		mimeType := att.MIMEType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		h.Set("Content-Type", mimeType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("error creating attachment part: %w", err)
		}
		if _, err := part.Write(att.Data); err != nil {
			return nil, "", fmt.Errorf("error writing attachment %s: %w", att.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("error closing multipart body: %w", err)
	}

	return &buf, mw.FormDataContentType(), nil
}

// DecodeChatRequest parses a chat request from an HTTP request, accepting both the JSON and the
// multipart encodings produced by Backend.
func DecodeChatRequest(r *http.Request, maxMemory int64) (ChatRequest, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		return decodeMultipartChatRequest(r, maxMemory)
	}

	var wire WireChatRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		return ChatRequest{}, fmt.Errorf("error decoding request: %w", err)
	}
	return chatRequestFromWire(wire), nil
}

func decodeMultipartChatRequest(r *http.Request, maxMemory int64) (ChatRequest, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return ChatRequest{}, fmt.Errorf("error parsing multipart form: %w", err)
	}

	var msg WireMessage
	if err := json.Unmarshal([]byte(r.FormValue("message")), &msg); err != nil {
		return ChatRequest{}, fmt.Errorf("error decoding message field: %w", err)
	}
	req := chatRequestFromWire(WireChatRequest{
		Message:   msg,
		Agent:     r.FormValue("agent"),
		SessionID: r.FormValue("session_id"),
	})

	for _, fh := range r.MultipartForm.File[AttachmentsField] {
		f, err := fh.Open()
		if err != nil {
			return ChatRequest{}, fmt.Errorf("error opening attachment %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return ChatRequest{}, fmt.Errorf("error reading attachment %s: %w", fh.Filename, err)
		}
		req.Attachments = append(req.Attachments, models.Attachment{
			Name:     fh.Filename,
			MIMEType: fh.Header.Get("Content-Type"),
			Data:     data,
		})
	}
	return req, nil
}

func chatRequestFromWire(wire WireChatRequest) ChatRequest {
	role := wire.Message.Role
	if role == "" {
		role = models.RoleUser
	}
	return ChatRequest{
		Message: models.Message{
			Role:     role,
			Contents: []models.Content{{Type: models.ContentTypeText, Text: wire.Message.Content}},
		},
		Agent:     wire.Agent,
		SessionID: wire.SessionID,
	}
}
