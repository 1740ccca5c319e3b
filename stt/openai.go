package stt

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"

	"echoscribe/config"
	"echoscribe/fault"
)

// OpenAITranscriber sends audio buffers to the OpenAI transcription
// endpoint. It validates the payload before touching the network so a bad
// buffer fails fast without burning a request.
type OpenAITranscriber struct {
	creds  *config.Credentials
	logger *log.Logger
}

func NewOpenAITranscriber(creds *config.Credentials, logger *log.Logger) *OpenAITranscriber {
	return &OpenAITranscriber{creds: creds, logger: logger}
}

func (t *OpenAITranscriber) Transcribe(
	ctx context.Context,
	buf []byte,
	mimeType string,
	mode Mode,
) (Result, error) {
	if len(buf) == 0 {
		return Result{}, fault.New(fault.InvalidPayload, "empty audio payload")
	}

	ext := extensionForMime(mimeType)
	if ext == "" {
		return Result{}, fault.Newf(
			fault.InvalidPayload,
			"unrecognized audio payload type %q",
			mimeType,
		)
	}

	client := t.creds.Client()
	if client == nil {
		return Result{}, fault.New(fault.Unauthorized, "OpenAI API key not configured")
	}

	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    config.TranscribeModel(),
		FilePath: "recording." + ext,
		Reader:   bytes.NewReader(buf),
		Language: "en",
		Format:   openai.AudioResponseFormatText,
	})
	if err != nil {
		kind := Classify(err)
		t.logger.Debug(
			"transcription failed",
			"mode", mode,
			"kind", kind,
			"error", err,
		)
		return Result{}, fault.Wrap(kind, "transcription request failed", err)
	}

	text := strings.TrimSpace(resp.Text)
	t.logger.Debug("transcribed", "mode", mode, "bytes", len(buf), "chars", len(text))

	return Result{Text: text}, nil
}

// Classify maps a service error onto a fault kind. Credential failures must
// come back as Unauthorized so the scheduler halts instead of retrying.
func Classify(err error) fault.Kind {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return kindForStatus(apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode != 0 {
			return kindForStatus(reqErr.HTTPStatusCode)
		}
		return fault.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Transient
	}

	return fault.Unknown
}

func kindForStatus(status int) fault.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.Unauthorized
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return fault.Transient
	case status >= 500:
		return fault.Transient
	default:
		return fault.Unknown
	}
}

func extensionForMime(mimeType string) string {
	base := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}

	switch base {
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/ogg", "application/ogg":
		return "ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "m4a"
	case "audio/flac", "audio/x-flac":
		return "flac"
	default:
		return ""
	}
}
