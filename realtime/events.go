package realtime

import (
	"encoding/json"
	"strings"

	"echoscribe/fault"
)

// Outbound protocol frames.

type audioPayload struct {
	Data string `json:"data"`
}

type appendFrame struct {
	Type  string       `json:"type"`
	Audio audioPayload `json:"audio"`
}

type commitFrame struct {
	Type string `json:"type"`
}

type responseSpec struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions"`
}

type responseFrame struct {
	Type     string       `json:"type"`
	Response responseSpec `json:"response"`
}

// Inbound protocol events, dispatched by the type tag. Tags outside the
// known set are forward-compatible no-ops.

const (
	eventTextDelta = "response.output_text.delta"
	eventCompleted = "response.completed"
	eventError     = "error"
)

type serverEvent struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta"`
	Response *eventResponse  `json:"response"`
	Error    *eventErrorBody `json:"error"`
}

type eventResponse struct {
	OutputText textFragments `json:"output_text"`
}

type eventErrorBody struct {
	Message string `json:"message"`
}

// textFragments accepts the protocol's two shapes for completed output:
// a single string or an array of fragments to be joined in order.
type textFragments []string

func (t *textFragments) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = textFragments{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*t = textFragments(many)
	return nil
}

func (t textFragments) join() string {
	return strings.Join(t, "")
}

// handleMessage decodes and dispatches one inbound frame. Undecodable
// frames are reported and dropped; they never take the session down.
func (s *Session) handleMessage(raw []byte) {
	var event serverEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		s.emitError(fault.Wrap(fault.UnparseableResponse, "undecodable realtime event", err))
		return
	}

	switch event.Type {
	case eventTextDelta:
		if event.Delta == "" {
			return
		}
		s.mu.Lock()
		s.partial.WriteString(event.Delta)
		text := s.partial.String()
		s.mu.Unlock()
		s.emitPartial(text, false)

	case eventCompleted:
		if event.Response == nil || len(event.Response.OutputText) == 0 {
			return
		}
		final := strings.TrimSpace(event.Response.OutputText.join())
		s.mu.Lock()
		s.partial.Reset()
		s.mu.Unlock()
		s.emitPartial(final, true)
		s.emitFinal(final)

	case eventError:
		msg := "realtime session error"
		if event.Error != nil && event.Error.Message != "" {
			msg = event.Error.Message
		}
		s.emitError(fault.New(fault.Unknown, msg))

	default:
		// Unrecognized tag: intentional no-op.
	}
}

func (s *Session) emitPartial(text string, final bool) {
	if s.callbacks.OnPartial != nil {
		s.callbacks.OnPartial(text, final)
	}
}

func (s *Session) emitFinal(text string) {
	if s.callbacks.OnFinal != nil {
		s.callbacks.OnFinal(text)
	}
}

func (s *Session) emitError(err error) {
	s.logger.Debug("realtime event error", "error", err)
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(err)
	}
}
