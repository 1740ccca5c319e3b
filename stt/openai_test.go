package stt

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"

	"echoscribe/config"
	"echoscribe/fault"
)

func TestTranscribeRejectsBadPayloadBeforeNetwork(t *testing.T) {
	// No API key configured: if validation ran after the credential
	// check these would come back Unauthorized instead.
	tr := NewOpenAITranscriber(&config.Credentials{}, log.Default())

	tests := []struct {
		name string
		buf  []byte
		mime string
	}{
		{name: "empty buffer", buf: nil, mime: "audio/webm"},
		{name: "unknown mime type", buf: []byte{1, 2, 3}, mime: "text/plain"},
		{name: "blank mime type", buf: []byte{1, 2, 3}, mime: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Transcribe(context.Background(), tt.buf, tt.mime, ModePartial)
			if !fault.Is(err, fault.InvalidPayload) {
				t.Errorf("got %v, want InvalidPayload", err)
			}
		})
	}
}

func TestTranscribeWithoutKeyIsUnauthorized(t *testing.T) {
	tr := NewOpenAITranscriber(&config.Credentials{}, log.Default())

	_, err := tr.Transcribe(context.Background(), []byte{1, 2, 3}, "audio/webm", ModeFinal)
	if !fault.Is(err, fault.Unauthorized) {
		t.Errorf("got %v, want Unauthorized", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected fault.Kind
	}{
		{
			name:     "401 api error",
			err:      &openai.APIError{HTTPStatusCode: http.StatusUnauthorized},
			expected: fault.Unauthorized,
		},
		{
			name:     "403 api error",
			err:      &openai.APIError{HTTPStatusCode: http.StatusForbidden},
			expected: fault.Unauthorized,
		},
		{
			name:     "500 api error",
			err:      &openai.APIError{HTTPStatusCode: http.StatusInternalServerError},
			expected: fault.Transient,
		},
		{
			name:     "429 api error",
			err:      &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests},
			expected: fault.Transient,
		},
		{
			name:     "400 api error",
			err:      &openai.APIError{HTTPStatusCode: http.StatusBadRequest},
			expected: fault.Unknown,
		},
		{
			name: "request error without status",
			err:  &openai.RequestError{Err: errors.New("dial tcp: connection refused")},
			// no HTTP status means the request never completed
			expected: fault.Transient,
		},
		{
			name:     "deadline exceeded",
			err:      context.DeadlineExceeded,
			expected: fault.Transient,
		},
		{
			name:     "plain error",
			err:      errors.New("boom"),
			expected: fault.Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestExtensionForMime(t *testing.T) {
	tests := []struct {
		mime string
		ext  string
	}{
		{"audio/webm", "webm"},
		{"audio/webm;codecs=opus", "webm"},
		{"audio/ogg", "ogg"},
		{"audio/x-wav", "wav"},
		{"AUDIO/MP4", "m4a"},
		{"text/html", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := extensionForMime(tt.mime); got != tt.ext {
			t.Errorf("extensionForMime(%q) = %q, want %q", tt.mime, got, tt.ext)
		}
	}
}
