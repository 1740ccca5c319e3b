// Package queue serializes partial-transcription requests: chunks are
// processed strictly in arrival order with at most one adapter call in
// flight, while the capture side is free to produce faster than the
// service can keep up.
package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"echoscribe/fault"
	"echoscribe/stt"
)

// DefaultRetryDelay spaces out attempts after a transient failure so a
// struggling service is not hammered while capture continues.
const DefaultRetryDelay = 300 * time.Millisecond

type State int

const (
	Idle State = iota
	Running
	Stopping
	// Halted is terminal, reached only on an unauthorized failure.
	Halted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Halted:
		return "halted"
	default:
		return "idle"
	}
}

// Chunk is an immutable audio fragment handed over by the capture
// subsystem. Seq is the arrival sequence number.
type Chunk struct {
	Seq      uint64
	Data     []byte
	MimeType string
}

// Listener receives scheduler outcomes. PartialTranscript carries the
// accumulated running text, not the latest fragment alone.
type Listener interface {
	PartialTranscript(text string)
	QueueHalted(err error)
}

type Scheduler struct {
	transcriber stt.Transcriber
	listener    Listener
	logger      *log.Logger
	retryDelay  time.Duration

	mu      sync.Mutex
	state   State
	pending []Chunk
	partial []string

	wake chan struct{}
	done chan struct{}
}

func NewScheduler(transcriber stt.Transcriber, listener Listener, logger *log.Logger) *Scheduler {
	return &Scheduler{
		transcriber: transcriber,
		listener:    listener,
		logger:      logger,
		retryDelay:  DefaultRetryDelay,
		wake:        make(chan struct{}, 1),
	}
}

// SetRetryDelay overrides the transient-failure backoff. Zero disables it.
func (s *Scheduler) SetRetryDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryDelay = d
}

// Start launches the single worker. It fails when the scheduler is not
// Idle; a Halted scheduler stays halted until a new one is built with a
// valid credential.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Idle:
	case Halted:
		return fault.New(fault.Unauthorized, "scheduler halted by credential failure")
	default:
		return fault.Newf(fault.NotReady, "scheduler already %s", s.state)
	}

	s.state = Running
	s.partial = nil
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return nil
}

// Enqueue appends a chunk in arrival order. Chunks arriving while the
// scheduler is Stopping are dropped on purpose; after a halt they are
// accepted but never processed.
func (s *Scheduler) Enqueue(chunk Chunk) {
	s.mu.Lock()
	if s.state == Stopping {
		s.mu.Unlock()
		s.logger.Debug("dropping chunk, scheduler stopping", "seq", chunk.Seq)
		return
	}
	s.pending = append(s.pending, chunk)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop lets any in-flight adapter call finish and discards whatever is
// still queued. The final transcription goes through a dedicated
// full-buffer call, never through this queue.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done reports when the worker goroutine has exited. Nil before Start.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// PartialText returns the running partial transcript accumulated so far.
func (s *Scheduler) PartialText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return joinFragments(s.partial)
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if !s.drain(ctx) {
			return
		}

		select {
		case <-ctx.Done():
			s.finish(Idle)
			return
		case <-s.wake:
		}
	}
}

// drain processes queued chunks one at a time until the queue empties.
// It returns false when the worker should exit.
func (s *Scheduler) drain(ctx context.Context) bool {
	for {
		chunk, state, ok := s.next()
		if !ok {
			switch state {
			case Stopping:
				s.finish(Idle)
				return false
			case Halted:
				return false
			default:
				return true
			}
		}

		result, err := s.transcriber.Transcribe(
			ctx,
			chunk.Data,
			chunk.MimeType,
			stt.ModePartial,
		)
		if err != nil {
			if fault.Is(err, fault.Unauthorized) {
				s.halt(err)
				return false
			}
			// Transient and unknown failures stay quiet during live
			// capture; the final pass will surface real problems.
			s.logger.Debug(
				"partial transcription failed",
				"seq", chunk.Seq,
				"kind", fault.KindOf(err),
				"error", err,
			)
			if !s.pause(ctx) {
				s.finish(Idle)
				return false
			}
			continue
		}

		if result.Text != "" {
			s.listener.PartialTranscript(s.appendPartial(result.Text))
		}
	}
}

// next pops the oldest chunk. The state snapshot lets the worker tell a
// drained queue apart from a stop or halt request.
func (s *Scheduler) next() (Chunk, State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running || len(s.pending) == 0 {
		if s.state == Stopping {
			s.pending = nil
		}
		return Chunk{}, s.state, false
	}

	chunk := s.pending[0]
	s.pending = s.pending[1:]
	return chunk, s.state, true
}

func (s *Scheduler) appendPartial(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = append(s.partial, text)
	return joinFragments(s.partial)
}

func (s *Scheduler) halt(err error) {
	s.mu.Lock()
	s.state = Halted
	s.pending = nil
	s.mu.Unlock()

	s.logger.Error("scheduler halted", "error", err)
	s.listener.QueueHalted(err)
}

func (s *Scheduler) finish(state State) {
	s.mu.Lock()
	s.state = state
	s.pending = nil
	s.mu.Unlock()
}

// pause waits out the retry delay. It returns false if the context ended
// while waiting.
func (s *Scheduler) pause(ctx context.Context) bool {
	s.mu.Lock()
	delay := s.retryDelay
	s.mu.Unlock()

	if delay <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func joinFragments(parts []string) string {
	return strings.Join(parts, " ")
}
