// Package tokens provides tiktoken-based token counting utilities.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter provides accurate token counting for LLM text.
type Counter struct {
	codec tokenizer.Codec
}

//nolint:gochecknoglobals // Codec construction is expensive; share one instance
var (
	defaultCounter     *Counter
	defaultCounterOnce sync.Once
)

// NewCounter creates a token counter. All configured providers are
// approximated with the GPT-4 encoding, which is close enough for
// metrics purposes.
func NewCounter() (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in the given text.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return Estimate(text)
	}
	count, err := c.codec.Count(text)
	if err != nil {
		return Estimate(text)
	}
	return count
}

// Count counts tokens with a shared default counter, falling back to the
// character estimate when the codec cannot be built.
func Count(text string) int {
	defaultCounterOnce.Do(func() {
		defaultCounter, _ = NewCounter()
	})
	return defaultCounter.Count(text)
}

// Estimate is the normative budget estimate used by the context
// assembler: ceil(charCount / 4).
func Estimate(text string) int {
	return (len(text) + 3) / 4
}
