package answers

import (
	"encoding/json"
	"strings"

	"echoscribe/fault"
)

// A decode strategy extracts a candidate JSON document from the raw model
// output. Strategies run in order and the first candidate that parses
// wins; wrapping the same document in prose or a code fence must not
// change the decoded result.
type decodeStrategy struct {
	name    string
	extract func(raw string) (string, bool)
}

var decodeStrategies = []decodeStrategy{
	{name: "raw", extract: extractRaw},
	{name: "fenced", extract: extractFenced},
	{name: "brace", extract: extractBraceSpan},
}

type answerEnvelope struct {
	Answers []json.RawMessage `json:"answers"`
}

// decodeAnswers parses the model output into validated items. It fails
// with UnparseableResponse only when every strategy fails; that is an
// upstream contract violation worth surfacing.
func decodeAnswers(raw string) ([]QAItem, error) {
	for _, strategy := range decodeStrategies {
		candidate, ok := strategy.extract(raw)
		if !ok || candidate == "" {
			continue
		}

		var envelope answerEnvelope
		if err := json.Unmarshal([]byte(candidate), &envelope); err != nil {
			continue
		}
		return validateItems(envelope.Answers), nil
	}

	return nil, fault.New(fault.UnparseableResponse, "response is not valid answer JSON")
}

// validateItems checks each candidate independently: a malformed item is
// dropped without invalidating the batch, and the relative order of the
// survivors is preserved.
func validateItems(rawItems []json.RawMessage) []QAItem {
	items := make([]QAItem, 0, len(rawItems))
	for _, rawItem := range rawItems {
		var item QAItem
		if err := json.Unmarshal(rawItem, &item); err != nil {
			continue
		}

		item.Question = strings.TrimSpace(item.Question)
		item.Answer = strings.TrimSpace(item.Answer)
		if item.Question == "" || item.Answer == "" {
			continue
		}
		if item.Source != SourceKnowledgeBase {
			item.Source = SourceGeneral
		}
		items = append(items, item)
	}
	return items
}

func extractRaw(raw string) (string, bool) {
	return strings.TrimSpace(raw), true
}

// extractFenced pulls the body out of the first fenced code block, with or
// without a language tag, wherever it sits in the response.
func extractFenced(raw string) (string, bool) {
	start := strings.Index(raw, "```")
	if start < 0 {
		return "", false
	}

	body := raw[start+3:]
	// Drop a language tag up to the first newline.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(body[:nl])
		if firstLine != "" && !strings.ContainsAny(firstLine, "{}[]") {
			body = body[nl+1:]
		}
	}

	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body), true
}

// extractBraceSpan takes the span from the first '{' to the last '}'.
func extractBraceSpan(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return strings.TrimSpace(raw[start : end+1]), true
}
