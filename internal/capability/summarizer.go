package capability

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultSummaryInputLimit caps the characters of document text sent to the generator
const DefaultSummaryInputLimit = 12000

// PromptSummarizer implements Summarizer on top of a TextGenerator
type PromptSummarizer struct {
	generator  TextGenerator
	inputLimit int
}

// NewPromptSummarizer creates a summarizer; inputLimit <= 0 uses the default
func NewPromptSummarizer(generator TextGenerator, inputLimit int) *PromptSummarizer {
	if inputLimit <= 0 {
		inputLimit = DefaultSummaryInputLimit
	}
	return &PromptSummarizer{generator: generator, inputLimit: inputLimit}
}

// Summarize implements Summarizer
func (s *PromptSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	if s.generator == nil {
		return "", fmt.Errorf("no text generator configured")
	}

	out, err := s.generator.Generate(ctx, buildSummaryPrompt(text, s.inputLimit))
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func buildSummaryPrompt(text string, limit int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) > limit {
		runes := []rune(text)
		text = string(runes[:limit]) + "\n[truncated]"
	}

	var b strings.Builder
	b.WriteString("Summarize the following document in a few sentences. ")
	b.WriteString("Keep names, numbers and conclusions; do not add information.\n\n")
	b.WriteString("Document:\n")
	b.WriteString(text)
	b.WriteString("\n\nSummary:")
	return b.String()
}
