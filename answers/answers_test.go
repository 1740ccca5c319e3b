package answers

import (
	"context"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"echoscribe/fault"
)

type fakeCompleter struct {
	response string
	err      error

	system string
	user   string
	calls  int
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	f.system = system
	f.user = user
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestExtractDecodesWrappedResponse(t *testing.T) {
	fc := &fakeCompleter{
		response: "Sure! ```json\n{\"answers\":[{\"question\":\"Q1\",\"answer\":\"A1\"}]}\n```",
	}
	engine := NewEngine(fc, log.Default())

	items, err := engine.Extract(context.Background(), "What is Go?", "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Extract() = %v, want one item", items)
	}
	if items[0].Question != "Q1" || items[0].Answer != "A1" || items[0].Source != SourceGeneral {
		t.Errorf("Extract() item = %+v", items[0])
	}
}

func TestExtractEmptyResponseYieldsEmptyList(t *testing.T) {
	fc := &fakeCompleter{response: "   "}
	engine := NewEngine(fc, log.Default())

	items, err := engine.Extract(context.Background(), "transcript", "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if items == nil || len(items) != 0 {
		t.Errorf("Extract() = %v, want empty non-nil list", items)
	}
}

func TestExtractSurfacesUnparseableResponse(t *testing.T) {
	fc := &fakeCompleter{response: "I cannot answer that."}
	engine := NewEngine(fc, log.Default())

	_, err := engine.Extract(context.Background(), "transcript", "")
	if !fault.Is(err, fault.UnparseableResponse) {
		t.Errorf("Extract() = %v, want UnparseableResponse", err)
	}
}

func TestExtractPropagatesServiceError(t *testing.T) {
	fc := &fakeCompleter{err: fault.New(fault.Transient, "http 503")}
	engine := NewEngine(fc, log.Default())

	_, err := engine.Extract(context.Background(), "transcript", "")
	if !fault.Is(err, fault.Transient) {
		t.Errorf("Extract() = %v, want the completer error surfaced", err)
	}
	if fc.calls != 1 {
		t.Errorf("Complete called %d times, want 1 and no retry", fc.calls)
	}
}

func TestPromptLayout(t *testing.T) {
	fc := &fakeCompleter{response: `{"answers":[]}`}
	engine := NewEngine(fc, log.Default())

	if _, err := engine.Extract(context.Background(), "the transcript", "the knowledge"); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(fc.system, `{"answers":[{"question":string`) {
		t.Error("system prompt must pin the response shape")
	}

	knowledgeIdx := strings.Index(fc.user, "Knowledge Base:\nthe knowledge")
	transcriptIdx := strings.Index(fc.user, "Transcript:\nthe transcript")
	instructionsIdx := strings.Index(fc.user, "Instructions:")
	if knowledgeIdx < 0 || transcriptIdx < 0 || instructionsIdx < 0 {
		t.Fatalf("user prompt missing a section:\n%s", fc.user)
	}
	if !(knowledgeIdx < transcriptIdx && transcriptIdx < instructionsIdx) {
		t.Error("user prompt sections out of order")
	}
}

func TestPromptOmitsEmptyKnowledge(t *testing.T) {
	fc := &fakeCompleter{response: `{"answers":[]}`}
	engine := NewEngine(fc, log.Default())

	if _, err := engine.Extract(context.Background(), "the transcript", ""); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(fc.user, "Knowledge Base:") {
		t.Error("user prompt must omit the knowledge section when the excerpt is empty")
	}
}

func TestKnowledgeExcerptTruncation(t *testing.T) {
	long := strings.Repeat("k", KnowledgeLimit+500)
	prefix := long[:KnowledgeLimit]

	// Building the prompt from an over-long excerpt and from the
	// pre-truncated prefix must yield identical prompt content.
	if buildUserPrompt("t", long) != buildUserPrompt("t", prefix) {
		t.Error("prompt from truncated excerpt differs from pre-truncated input")
	}

	if got := truncateRunes(long, KnowledgeLimit); len([]rune(got)) != KnowledgeLimit {
		t.Errorf("truncateRunes() length = %d, want %d", len([]rune(got)), KnowledgeLimit)
	}

	// Truncation counts runes, not bytes, so multi-byte text is not cut
	// mid-character.
	multi := strings.Repeat("é", 10)
	if got := truncateRunes(multi, 5); got != strings.Repeat("é", 5) {
		t.Errorf("truncateRunes() = %q, want 5 full runes", got)
	}
}
