// Package realtime implements the push-based transcription transport: one
// persistent websocket per capture session, speaking the OpenAI realtime
// protocol. It is the low-latency alternative to the request/response
// adapter in package stt.
package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"echoscribe/config"
	"echoscribe/fault"
)

const (
	BaseURL    = "wss://api.openai.com/v1/realtime"
	betaHeader = "realtime=v1"

	transcribeInstructions = "Provide a running transcription of the audio input. " +
		"Return only the transcript text."
)

// Callbacks receive session output. OnPartial fires for every text update;
// final=true marks the completed utterance, which is also delivered to
// OnFinal. All callbacks run on the session's read goroutine.
type Callbacks struct {
	OnPartial func(text string, final bool)
	OnFinal   func(text string)
	OnError   func(err error)
}

// Session is the realtime protocol state machine. A caller serializes its
// own SendChunk handshakes; the session does not correlate a send with the
// next completion event when submissions overlap.
type Session struct {
	creds     *config.Credentials
	model     string
	baseURL   string
	callbacks Callbacks
	logger    *log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   bool
	stopped bool
	partial strings.Builder
}

func NewSession(
	creds *config.Credentials,
	model string,
	callbacks Callbacks,
	logger *log.Logger,
) *Session {
	if model == "" {
		model = config.DefaultRealtimeModel
	}
	return &Session{
		creds:     creds,
		model:     model,
		baseURL:   BaseURL,
		callbacks: callbacks,
		logger:    logger,
	}
}

func sessionURL(base, model string) string {
	return fmt.Sprintf("%s?model=%s", base, url.QueryEscape(model))
}

// Start opens the websocket and transitions the session to ready. A dial
// failure leaves the session unstarted; Start can be called again after
// Stop.
func (s *Session) Start(ctx context.Context) error {
	key := s.creds.Key()
	if key == "" {
		return fault.New(fault.Unauthorized, "OpenAI API key not configured")
	}

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return fault.New(fault.NotReady, "realtime session already started")
	}
	s.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+key)
	header.Set("OpenAI-Beta", betaHeader)

	conn, resp, err := websocket.DefaultDialer.DialContext(
		ctx,
		sessionURL(s.baseURL, s.model),
		header,
	)
	if err != nil {
		kind := fault.Transient
		if resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized ||
				resp.StatusCode == http.StatusForbidden) {
			kind = fault.Unauthorized
		}
		return fault.Wrap(kind, "realtime connect failed", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.ready = true
	s.stopped = false
	s.partial.Reset()
	s.mu.Unlock()

	s.logger.Info("realtime session open", "model", s.model)
	go s.readLoop(conn)

	return nil
}

// SendChunk submits one audio fragment as the three-step protocol
// handshake: append the base64 audio to the server-side input buffer,
// commit it, then ask for a text-only response over the committed audio.
// The steps go out back-to-back; ordering is the transport's job.
func (s *Session) SendChunk(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || !s.ready {
		return fault.New(fault.NotReady, "realtime connection not ready")
	}

	encoded := base64.StdEncoding.EncodeToString(data)

	frames := []any{
		appendFrame{
			Type:  "input_audio_buffer.append",
			Audio: audioPayload{Data: encoded},
		},
		commitFrame{Type: "input_audio_buffer.commit"},
		responseFrame{
			Type: "response.create",
			Response: responseSpec{
				Modalities:   []string{"text"},
				Instructions: transcribeInstructions,
			},
		},
	}

	for _, frame := range frames {
		if err := s.conn.WriteJSON(frame); err != nil {
			return fault.Wrap(fault.Transient, "realtime send failed", err)
		}
	}

	return nil
}

// Stop closes the connection with a normal-closure code and always clears
// session state so a subsequent Start builds a fresh session.
func (s *Session) Stop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.ready = false
	s.stopped = true
	s.partial.Reset()
	s.mu.Unlock()

	if conn == nil {
		return
	}

	err := conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session-end"),
	)
	if err != nil {
		s.logger.Debug("close message failed", "error", err)
	}
	if err := conn.Close(); err != nil {
		s.logger.Debug("close failed", "error", err)
	}
}

// Ready reports whether SendChunk will be accepted.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.conn != nil
}

// PartialText returns the running partial buffer for the current utterance.
func (s *Session) PartialText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial.String()
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			intentional := s.stopped
			if conn == s.conn {
				s.ready = false
			}
			s.mu.Unlock()

			if !intentional &&
				websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emitError(fault.Wrap(fault.Transient, "realtime connection lost", err))
			}
			return
		}
		s.handleMessage(msg)
	}
}
