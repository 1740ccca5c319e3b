package answers

import (
	"reflect"
	"testing"

	"echoscribe/fault"
)

func TestDecodeAnswersIdempotentAcrossWrappings(t *testing.T) {
	payload := `{"answers":[{"question":"Q1","answer":"A1","source":"knowledge_base"},` +
		`{"question":"Q2","answer":"A2"}]}`
	want := []QAItem{
		{Question: "Q1", Answer: "A1", Source: SourceKnowledgeBase},
		{Question: "Q2", Answer: "A2", Source: SourceGeneral},
	}

	tests := []struct {
		name string
		raw  string
	}{
		{name: "plain", raw: payload},
		{name: "whitespace", raw: "\n  " + payload + "  \n"},
		{name: "fenced with tag", raw: "```json\n" + payload + "\n```"},
		{name: "fenced without tag", raw: "```\n" + payload + "\n```"},
		{name: "prose then fence", raw: "Sure! ```json\n" + payload + "\n```"},
		{name: "prose only", raw: "Here you go: " + payload + " Hope that helps."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeAnswers(tt.raw)
			if err != nil {
				t.Fatalf("decodeAnswers() error = %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("decodeAnswers() = %v, want %v", got, want)
			}
		})
	}
}

func TestDecodeAnswersEmptyList(t *testing.T) {
	got, err := decodeAnswers(`{"answers":[]}`)
	if err != nil {
		t.Fatalf("decodeAnswers() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("decodeAnswers() = %v, want empty list", got)
	}
}

func TestDecodeAnswersUnparseable(t *testing.T) {
	tests := []string{
		"I could not find any questions in the transcript.",
		"```json\nnot json\n```",
		"",
	}

	for _, raw := range tests {
		_, err := decodeAnswers(raw)
		if !fault.Is(err, fault.UnparseableResponse) {
			t.Errorf("decodeAnswers(%q) = %v, want UnparseableResponse", raw, err)
		}
	}
}

func TestValidateItemsDropsInvalidPreservingOrder(t *testing.T) {
	raw := `{"answers":[
		{"question":"Q1","answer":"A1"},
		{"question":"","answer":"missing question"},
		{"question":"no answer","answer":"   "},
		"not an object",
		{"question":42,"answer":"typed wrong"},
		{"question":"Q2","answer":"A2","source":"bogus"},
		{"question":"Q3","answer":"A3","source":"knowledge_base"}
	]}`

	got, err := decodeAnswers(raw)
	if err != nil {
		t.Fatalf("decodeAnswers() error = %v", err)
	}

	want := []QAItem{
		{Question: "Q1", Answer: "A1", Source: SourceGeneral},
		{Question: "Q2", Answer: "A2", Source: SourceGeneral},
		{Question: "Q3", Answer: "A3", Source: SourceKnowledgeBase},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("decodeAnswers() = %v, want %v", got, want)
	}
}

func TestExtractFenced(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{name: "no fence", raw: `{"answers":[]}`, ok: false},
		{name: "tagged", raw: "```json\n{\"a\":1}\n```", want: `{"a":1}`, ok: true},
		{name: "untagged", raw: "```\n{\"a\":1}\n```", want: `{"a":1}`, ok: true},
		{name: "unterminated", raw: "```json\n{\"a\":1}", want: `{"a":1}`, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractFenced(tt.raw)
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("extractFenced(%q) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestExtractBraceSpan(t *testing.T) {
	got, ok := extractBraceSpan(`noise {"answers":[{"x":"{}"}]} trailing`)
	if !ok || got != `{"answers":[{"x":"{}"}]}` {
		t.Errorf("extractBraceSpan() = %q, %v", got, ok)
	}

	if _, ok := extractBraceSpan("no braces here"); ok {
		t.Error("extractBraceSpan() should not apply without braces")
	}
}
