// Package answers turns a finished transcript into a validated list of
// answered interview prompts. The model response is treated as hostile
// input: it may arrive wrapped in prose or a fenced code block, and
// individual items may be malformed, so decoding is an ordered list of
// strategies and validation drops bad items one at a time.
package answers

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"

	"echoscribe/config"
	"echoscribe/fault"
	"echoscribe/stt"
)

// KnowledgeLimit bounds the knowledge excerpt included in the prompt.
// Excess is truncated, never rejected.
const KnowledgeLimit = 25_000

const systemPrompt = "You are an assistant that extracts interview prompts from a transcript " +
	"and answers them accurately. " +
	"Prompts may be phrased as questions or statements (for example, 'Tell me about your experience'). " +
	"Use any provided knowledge base when answering and note when the knowledge base was used. " +
	"If the knowledge base does not contain the requested information, provide a concise answer " +
	"from your own knowledge and mention that the answer came from general knowledge. " +
	"Respond strictly as JSON with the shape " +
	`{"answers":[{"question":string,"answer":string,"source":"knowledge_base"|"general"}]}. ` +
	`If there are no prompts that require answers, respond with {"answers":[]}.`

const taskInstructions = "Instructions: Identify each distinct question or request for information " +
	"in the transcript and answer it concisely in one or two sentences. " +
	"Use the knowledge base when relevant and mark those answers with source \"knowledge_base\". " +
	"If the knowledge base lacks the information, answer from your general understanding " +
	"and mark the source as \"general\"."

// Source identifies where an answer came from.
type Source string

const (
	SourceKnowledgeBase Source = "knowledge_base"
	SourceGeneral       Source = "general"
)

// QAItem is one answered prompt. Question and Answer are always non-empty;
// candidates failing that are dropped during decoding, never defaulted.
type QAItem struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Source   Source `json:"source"`
}

// Completer is the narrow text-generation boundary, satisfied by the
// OpenAI client wrapper and by fakes in tests.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type OpenAICompleter struct {
	creds *config.Credentials
}

func NewOpenAICompleter(creds *config.Credentials) *OpenAICompleter {
	return &OpenAICompleter{creds: creds}
}

func (c *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	client := c.creds.Client()
	if client == nil {
		return "", fault.New(fault.Unauthorized, "OpenAI API key not configured")
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: config.AnswerModel(),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fault.Wrap(stt.Classify(err), "answer generation failed", err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

type Engine struct {
	completer Completer
	logger    *log.Logger
}

func NewEngine(completer Completer, logger *log.Logger) *Engine {
	return &Engine{completer: completer, logger: logger}
}

// Extract runs one extraction pass over a transcript. An empty model
// response yields an empty list, not an error; an undecodable one fails
// with UnparseableResponse so the caller can tell the user extraction did
// not run. There is no retry here; re-answering is the caller's call.
func (e *Engine) Extract(ctx context.Context, transcript, knowledgeExcerpt string) ([]QAItem, error) {
	raw, err := e.completer.Complete(ctx, systemPrompt, buildUserPrompt(transcript, knowledgeExcerpt))
	if err != nil {
		return nil, err
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []QAItem{}, nil
	}

	items, err := decodeAnswers(raw)
	if err != nil {
		e.logger.Warn("undecodable extraction response", "error", err)
		return nil, err
	}

	e.logger.Debug("extracted answers", "count", len(items))
	return items, nil
}

// buildUserPrompt assembles the knowledge excerpt (bounded), the
// transcript, and the task restatement, in that order.
func buildUserPrompt(transcript, knowledgeExcerpt string) string {
	var sections []string
	if excerpt := truncateRunes(knowledgeExcerpt, KnowledgeLimit); excerpt != "" {
		sections = append(sections, "Knowledge Base:\n"+excerpt)
	}
	sections = append(sections, "Transcript:\n"+transcript)
	sections = append(sections, taskInstructions)
	return strings.Join(sections, "\n\n")
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
