// Package pipeline glues capture to transcription and answer extraction:
// it runs the chunk scheduler during capture, performs the dedicated
// full-buffer pass when capture stops, and routes finished transcripts
// through the extraction engine into the history store.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"echoscribe/answers"
	"echoscribe/config"
	"echoscribe/db"
	"echoscribe/fault"
	"echoscribe/queue"
	"echoscribe/stt"
)

// HistoryStore is the narrow persistence boundary. *db.Queries satisfies
// it; the pipeline never reads history back for its own logic beyond
// entry lookup and numbering.
type HistoryStore interface {
	InsertTranscript(ctx context.Context, t db.Transcript) error
	GetTranscript(ctx context.Context, id string) (db.Transcript, error)
	CountTranscripts(ctx context.Context) (int64, error)
	MarkAnswersPending(ctx context.Context, id string) error
	MarkAnswerError(ctx context.Context, id, message string) error
	SaveQAItems(ctx context.Context, id string, items []answers.QAItem) error
}

// Events surface pipeline progress to whatever front end is attached.
type Events interface {
	LivePartial(text string)
	CaptureHalted(err error)
	TranscriptSaved(entry db.Transcript)
	AnswersReady(entryID string, items []answers.QAItem)
	AnswersFailed(entryID string, err error)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) LivePartial(string)                    {}
func (NopEvents) CaptureHalted(error)                   {}
func (NopEvents) TranscriptSaved(db.Transcript)         {}
func (NopEvents) AnswersReady(string, []answers.QAItem) {}
func (NopEvents) AnswersFailed(string, error)           {}

type Pipeline struct {
	transcriber stt.Transcriber
	engine      *answers.Engine
	store       HistoryStore
	creds       *config.Credentials
	events      Events
	logger      *log.Logger

	mu         sync.Mutex
	sched      *queue.Scheduler
	generation uint64
	knowledge  string
	pending    map[string]bool

	wg sync.WaitGroup
}

func New(
	transcriber stt.Transcriber,
	engine *answers.Engine,
	store HistoryStore,
	creds *config.Credentials,
	events Events,
	logger *log.Logger,
) *Pipeline {
	if events == nil {
		events = NopEvents{}
	}
	return &Pipeline{
		transcriber: transcriber,
		engine:      engine,
		store:       store,
		creds:       creds,
		events:      events,
		logger:      logger,
		pending:     make(map[string]bool),
	}
}

// SetKnowledge replaces the knowledge excerpt handed to extraction. It is
// bounded later, at prompt construction.
func (p *Pipeline) SetKnowledge(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.knowledge = text
}

// StartCapture opens a capture session: a fresh scheduler owning the
// partial-transcript buffer. Only one session is active per process.
func (p *Pipeline) StartCapture(ctx context.Context) error {
	if !p.creds.HasKey() {
		return fault.New(fault.Unauthorized, "OpenAI API key not configured")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sched != nil && p.sched.State() == queue.Running {
		return fault.New(fault.NotReady, "capture already in progress")
	}

	sched := queue.NewScheduler(p.transcriber, p, p.logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	p.sched = sched
	p.generation++
	return nil
}

// Enqueue hands a capture chunk to the scheduler. Chunks arriving with no
// active session are dropped.
func (p *Pipeline) Enqueue(chunk queue.Chunk) {
	p.mu.Lock()
	sched := p.sched
	p.mu.Unlock()

	if sched == nil {
		p.logger.Debug("chunk with no active capture", "seq", chunk.Seq)
		return
	}
	sched.Enqueue(chunk)
}

// StopCapture ends the session; the in-flight partial call may finish but
// its result no longer applies, and queued chunks are discarded.
func (p *Pipeline) StopCapture() {
	p.mu.Lock()
	sched := p.sched
	p.generation++
	p.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
}

// PartialText reads the running live transcript.
func (p *Pipeline) PartialText() string {
	p.mu.Lock()
	sched := p.sched
	p.mu.Unlock()

	if sched == nil {
		return ""
	}
	return sched.PartialText()
}

// PartialTranscript implements queue.Listener.
func (p *Pipeline) PartialTranscript(text string) {
	p.events.LivePartial(text)
}

// QueueHalted implements queue.Listener. An unauthorized halt disables
// further capture until the credential is replaced.
func (p *Pipeline) QueueHalted(err error) {
	p.logger.Error("live transcription halted", "error", err)
	p.events.CaptureHalted(err)
}

// Finalize runs the dedicated full-buffer transcription over the merged
// recording. Unlike partials, every failure here is surfaced: the user is
// waiting on this result. A result arriving after the owning session was
// superseded is dropped.
func (p *Pipeline) Finalize(ctx context.Context, blob []byte, mimeType string) (db.Transcript, error) {
	p.mu.Lock()
	gen := p.generation
	p.mu.Unlock()

	result, err := p.transcriber.Transcribe(ctx, blob, mimeType, stt.ModeFinal)
	if err != nil {
		return db.Transcript{}, err
	}

	p.mu.Lock()
	stale := p.generation != gen
	knowledge := p.knowledge
	p.mu.Unlock()
	if stale {
		return db.Transcript{}, fault.New(fault.NotReady, "capture session superseded")
	}

	if result.Text == "" {
		// Valid no-speech outcome; nothing worth saving.
		return db.Transcript{}, nil
	}

	entry := db.Transcript{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now(),
		Title:        "Recording",
		Text:         result.Text,
		HasQuestions: strings.Contains(result.Text, "?"),
	}

	if p.store != nil {
		if n, err := p.store.CountTranscripts(ctx); err == nil {
			entry.Title = recordingTitle(n + 1)
		}
		if err := p.store.InsertTranscript(ctx, entry); err != nil {
			return db.Transcript{}, err
		}
	}
	p.events.TranscriptSaved(entry)

	if entry.HasQuestions && p.engine != nil && p.creds.HasKey() {
		p.answerAsync(entry.ID, entry.Text, knowledge)
	}

	return entry, nil
}

// Answer re-runs extraction for a saved entry, the manual "re-answer"
// action. A second run for the same entry while one is pending is
// refused.
func (p *Pipeline) Answer(ctx context.Context, entryID string) error {
	if p.store == nil {
		return fault.New(fault.NotReady, "no history store attached")
	}

	entry, err := p.store.GetTranscript(ctx, entryID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	knowledge := p.knowledge
	if p.pending[entryID] {
		p.mu.Unlock()
		return fault.Newf(fault.NotReady, "answers already pending for %s", entryID)
	}
	p.mu.Unlock()

	p.answerAsync(entry.ID, entry.Text, knowledge)
	return nil
}

// Wait blocks until background extraction work has drained.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) answerAsync(entryID, transcript, knowledge string) {
	p.mu.Lock()
	if p.pending[entryID] {
		p.mu.Unlock()
		return
	}
	p.pending[entryID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.pending, entryID)
			p.mu.Unlock()
		}()

		// Extraction outlives the capture session on purpose: the entry
		// is already saved, so a late answer still has a home.
		ctx := context.Background()

		if err := p.markPending(ctx, entryID); err != nil {
			p.logger.Error("mark answers pending", "entry", entryID, "error", err)
		}

		items, err := p.engine.Extract(ctx, transcript, knowledge)
		if err != nil {
			p.logger.Error("answer extraction failed", "entry", entryID, "error", err)
			if p.store != nil {
				if merr := p.store.MarkAnswerError(ctx, entryID, answerFailureMessage(err)); merr != nil {
					p.logger.Error("mark answer error", "entry", entryID, "error", merr)
				}
			}
			p.events.AnswersFailed(entryID, err)
			return
		}

		if p.store != nil {
			if err := p.store.SaveQAItems(ctx, entryID, items); err != nil {
				p.logger.Error("save answers", "entry", entryID, "error", err)
				p.events.AnswersFailed(entryID, err)
				return
			}
		}
		p.events.AnswersReady(entryID, items)
	}()
}

func (p *Pipeline) markPending(ctx context.Context, entryID string) error {
	if p.store == nil {
		return nil
	}
	return p.store.MarkAnswersPending(ctx, entryID)
}

// answerFailureMessage keeps the stored failure concise; the raw
// transcript stays untouched either way.
func answerFailureMessage(err error) string {
	switch fault.KindOf(err) {
	case fault.Unauthorized:
		return "Add a valid API key to generate answers."
	case fault.UnparseableResponse:
		return "The answer service returned an unreadable response."
	default:
		return "Unable to generate answers."
	}
}

func recordingTitle(n int64) string {
	return fmt.Sprintf("Recording %d", n)
}
