// Package stt wraps the speech-to-text service behind a small adapter
// interface. The adapter is stateless: one call per audio buffer, no shared
// mutable state beyond the network call.
package stt

import (
	"context"
)

// Mode distinguishes best-effort mid-capture transcription from the
// full-accuracy pass over the complete recording.
type Mode string

const (
	ModePartial Mode = "partial"
	ModeFinal   Mode = "final"
)

// Result is produced once per adapter call and never mutated. An empty
// Text is a valid "no speech detected" outcome, not an error.
type Result struct {
	Text string
}

type Transcriber interface {
	Transcribe(ctx context.Context, buf []byte, mimeType string, mode Mode) (Result, error)
}
