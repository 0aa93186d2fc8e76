// Package tokens estimates token counts for streamed agent output.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens in a text.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts with a tiktoken encoding. Agent ids do not name a
// model, so the encoding is chosen from an optional model hint and defaults
// to o200k_base.
type TiktokenCounter struct {
	encoding tokenizer.Encoding

	once  sync.Once
	codec tokenizer.Codec
	err   error

	fallback Estimator
}

// NewTiktokenCounter returns a counter for the given model hint ("" for the
// default encoding).
func NewTiktokenCounter(model string) *TiktokenCounter {
	return &TiktokenCounter{encoding: modelToEncoding(model)}
}

// Encoding returns the selected encoding.
func (c *TiktokenCounter) Encoding() tokenizer.Encoding {
	return c.encoding
}

func (c *TiktokenCounter) load() (tokenizer.Codec, error) {
	c.once.Do(func() {
		c.codec, c.err = tokenizer.Get(c.encoding)
	})
	return c.codec, c.err
}

// Count returns the token count of text, falling back to the character
// estimate if the encoding cannot be loaded.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.load()
	if err != nil {
		return c.fallback.Count(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return c.fallback.Count(text)
	}
	return len(ids)
}

// modelToEncoding maps model names to encodings.
//
// Encoding reference:
// - O200kBase: GPT-5, GPT-4.1, GPT-4o, o-series and newer models
// - Cl100kBase: GPT-4, GPT-3.5-turbo
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// Estimator approximates tokens as one per four characters.
type Estimator struct{}

// Count returns the estimate for text.
func (Estimator) Count(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
