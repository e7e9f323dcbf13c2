// Package prompt assembles the wake-up message a new session starts
// with, keeping the seeded context inside a token budget.
package prompt

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Builder truncates wake-up context to a token budget.
type Builder struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// New creates a Builder for the given model's encoding, falling back
// to cl100k_base when the model is unknown.
func New(model string, maxTokens int) (*Builder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tokenizer: %w", err)
		}
	}
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	return &Builder{tokenizer: enc, maxTokens: maxTokens}, nil
}

func (b *Builder) countTokens(text string) int {
	return len(b.tokenizer.Encode(text, nil, nil))
}

// BuildWakeup composes the wake-up message from an optional prior
// transcript and artifact catalog. The transcript is truncated
// oldest-first so the most recent context survives the budget; the
// catalog and greeting are always kept.
func (b *Builder) BuildWakeup(transcript []string, catalog []string) string {
	var sections []string

	if len(catalog) > 0 {
		sections = append(sections, "Files in your memory directory:\n"+strings.Join(catalog, "\n"))
	}

	greeting := "You just woke up. Pick up where you left off."
	fixed := strings.Join(append(append([]string{}, sections...), greeting), "\n\n")
	budget := b.maxTokens - b.countTokens(fixed)

	if len(transcript) > 0 && budget > 0 {
		kept := transcript
		for len(kept) > 0 && b.countTokens(strings.Join(kept, "\n")) > budget {
			kept = kept[1:]
		}
		if len(kept) > 0 {
			section := "Recent conversation before you slept:\n" + strings.Join(kept, "\n")
			sections = append(sections, section)
		}
	}

	sections = append(sections, greeting)
	return strings.Join(sections, "\n\n")
}
