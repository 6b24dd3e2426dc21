package rag

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/WessleyAI/noterag/engine/domain"
)

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const defaultInstruction = `Answer the question using only the notes above. If the notes do not
contain enough information to answer, say so plainly.`

// Answer is a generated reply and the documents it was grounded on.
type Answer struct {
	Text      string            `json:"answer"`
	Citations []domain.Document `json:"citations"`
}

// Synthesizer turns a question and retrieved notes into an answer.
type Synthesizer struct {
	gen         Generator
	instruction string
	timeout     time.Duration
}

// NewSynthesizer creates a Synthesizer. An empty instruction selects the
// default one.
func NewSynthesizer(gen Generator, instruction string, timeout time.Duration) *Synthesizer {
	if strings.TrimSpace(instruction) == "" {
		instruction = defaultInstruction
	}
	return &Synthesizer{gen: gen, instruction: instruction, timeout: timeout}
}

// BuildPrompt lays out every document's text separated by blank lines, then
// the question, then the instruction.
func BuildPrompt(query string, docs []domain.Document, instruction string) string {
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(d.Content)
	}
	if len(docs) > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\n")
	b.WriteString(instruction)
	return b.String()
}

// Synthesize calls the generator exactly once. Any failure, including an
// empty reply, is a *domain.SynthesisError. Citations are docs unchanged.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, docs []domain.Document) (Answer, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	text, err := s.gen.Generate(ctx, BuildPrompt(query, docs, s.instruction))
	if err != nil {
		return Answer{}, &domain.SynthesisError{Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Answer{}, &domain.SynthesisError{Err: errors.New("empty answer")}
	}

	citations := docs
	if citations == nil {
		citations = []domain.Document{}
	}
	return Answer{Text: text, Citations: citations}, nil
}
