// Package upstream opens and drives the bidirectional Gemini Live session.
// Frames read from the wire are surfaced as raw bytes so the relay can pass
// them through to clients without re-encoding.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

const (
	defaultHost        = "generativelanguage.googleapis.com"
	bidiGeneratePath   = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultDialTimeout = 15 * time.Second
)

// TransportError marks a disconnect-class failure: the connection could not
// be established or was lost mid-stream. These are the failures the
// connection supervisor retries.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsDisconnect reports whether err is a transient transport failure worth a
// reconnect attempt, as opposed to a protocol or configuration error.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ConnectConfig shapes the live setup frame sent after the dial.
type ConnectConfig struct {
	SystemInstruction string
	LanguageCode      string
	Tools             []*genai.Tool
}

// Dialer opens Gemini Live sessions for a fixed host, API key, and model.
type Dialer struct {
	Host        string
	APIKey      string
	Model       string
	DialTimeout time.Duration

	// WSDialer overrides the websocket dialer, used by tests to point the
	// session at a local server.
	WSDialer *websocket.Dialer
}

// Wire envelopes for the BidiGenerateContent setup exchange. Content and
// tool declarations reuse the genai types so the JSON matches what the
// service expects.
type liveSetup struct {
	Model             string            `json:"model"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *genai.Content    `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool     `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []genai.Modality `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig    `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	LanguageCode string `json:"languageCode,omitempty"`
}

type clientEnvelope struct {
	Setup        *liveSetup                    `json:"setup,omitempty"`
	ToolResponse *genai.LiveClientToolResponse `json:"toolResponse,omitempty"`
}

// Connect dials the live endpoint, sends the setup frame, and waits for the
// service's setup acknowledgment. Network failures are reported as
// TransportError so callers can apply their retry policy.
func (d *Dialer) Connect(ctx context.Context, cfg ConnectConfig) (*Session, error) {
	if strings.TrimSpace(d.Model) == "" {
		return nil, fmt.Errorf("upstream model is required")
	}

	host := d.Host
	if strings.TrimSpace(host) == "" {
		host = defaultHost
	}
	u := url.URL{
		Scheme:   "wss",
		Host:     host,
		Path:     bidiGeneratePath,
		RawQuery: url.Values{"key": []string{d.APIKey}}.Encode(),
	}

	dialer := d.WSDialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := d.DialTimeout
		if timeout <= 0 {
			timeout = defaultDialTimeout
		}
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	setup := &liveSetup{
		Model: d.Model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []genai.Modality{genai.ModalityAudio},
		},
		Tools: cfg.Tools,
	}
	if strings.TrimSpace(cfg.LanguageCode) != "" {
		setup.GenerationConfig.SpeechConfig = &speechConfig{LanguageCode: cfg.LanguageCode}
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		setup.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}

	s := &Session{conn: conn}
	if err := s.sendJSON(clientEnvelope{Setup: setup}); err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "send setup", Err: err}
	}

	if err := s.awaitSetupComplete(d.DialTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Session is an open bidirectional live connection. Reads are single-reader
// (the relay's upstream loop); writes are serialized internally because tool
// responses and forwarded client traffic come from different goroutines.
type Session struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) awaitSetupComplete(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return &TransportError{Op: "read setup ack", Err: err}
	}

	var ack map[string]json.RawMessage
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("decode setup ack: %w", err)
	}
	if _, ok := ack["setupComplete"]; !ok {
		return fmt.Errorf("unexpected first upstream frame: %s", truncateForError(data))
	}
	return nil
}

// ReceiveRaw blocks until the next upstream frame and returns its raw bytes.
// End-of-stream and network failures are reported as TransportError.
func (s *Session) ReceiveRaw() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, &TransportError{Op: "receive", Err: err}
	}
	return data, nil
}

// SendRaw forwards already-encoded client bytes to the live session verbatim.
func (s *Session) SendRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// SendToolResponse reports tool execution results back to the model.
func (s *Session) SendToolResponse(resp *genai.LiveClientToolResponse) error {
	return s.sendJSON(clientEnvelope{ToolResponse: resp})
}

func (s *Session) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode upstream message: %w", err)
	}
	return s.SendRaw(payload)
}

// Close sends a best-effort close frame and tears down the connection. Safe
// to call from multiple goroutines.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(2 * time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func truncateForError(data []byte) string {
	const max = 160
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}
