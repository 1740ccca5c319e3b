// Package config holds process-wide settings and the OpenAI credential
// lifecycle. The credential is an owned mutable cell: setting or clearing
// the key invalidates the cached client so the next call picks up the new
// credential.
package config

import (
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"github.com/spf13/viper"
)

const (
	DefaultTranscribeModel = "gpt-4o-mini-transcribe"
	DefaultAnswerModel     = openai.GPT4oMini
	DefaultRealtimeModel   = "gpt-4o-mini-transcribe"
)

type Credentials struct {
	mu     sync.Mutex
	key    string
	client *openai.Client
}

// NewCredentials seeds the cell from the configured openai_api_key, which
// may be empty.
func NewCredentials() *Credentials {
	return &Credentials{key: strings.TrimSpace(viper.GetString("openai_api_key"))}
}

// Set replaces the API key. An empty key clears the credential. Any cached
// client is discarded either way.
func (c *Credentials) Set(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = strings.TrimSpace(key)
	c.client = nil
}

// Clear removes the API key and drops the cached client.
func (c *Credentials) Clear() {
	c.Set("")
}

func (c *Credentials) Key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

func (c *Credentials) HasKey() bool {
	return c.Key() != ""
}

// Client returns a client for the current key, building one lazily. It
// returns nil when no key is configured; callers translate that into an
// unauthorized failure.
func (c *Credentials) Client() *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == "" {
		return nil
	}
	if c.client == nil {
		c.client = openai.NewClient(c.key)
	}
	return c.client
}

// TranscribeModel returns the configured speech-to-text model.
func TranscribeModel() string {
	if m := viper.GetString("openai_model"); m != "" {
		return m
	}
	return DefaultTranscribeModel
}

// AnswerModel returns the configured answer-extraction model.
func AnswerModel() string {
	if m := viper.GetString("answer_model"); m != "" {
		return m
	}
	return DefaultAnswerModel
}

// RealtimeModel returns the configured realtime transcription model.
func RealtimeModel() string {
	if m := viper.GetString("realtime_model"); m != "" {
		return m
	}
	return DefaultRealtimeModel
}
