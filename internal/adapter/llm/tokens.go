package llm

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"chatengine/internal/domain"
)

// Per-message framing overhead of the chat format, in tokens.
const (
	tokensPerMessage = 3
	tokensPerName    = 1
)

// TokenCounter estimates request sizes with a BPE encoding.
type TokenCounter struct {
	count func(text string) int
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base").
// Loading may fetch the BPE ranks on first use.
func NewTiktokenCounter(encoding string) (*TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &TokenCounter{
		count: func(text string) int { return len(enc.Encode(text, nil, nil)) },
	}, nil
}

// NewApproxCounter estimates one token per four characters. It is used when
// no encoding can be loaded.
func NewApproxCounter() *TokenCounter {
	return &TokenCounter{
		count: func(text string) int { return (utf8.RuneCountInString(text) + 3) / 4 },
	}
}

// CountTokens implements domain.TokenCounter.
func (c *TokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return c.count(text)
}

// CountMessages implements domain.TokenCounter. Tool call names and
// arguments count as text; image and audio parts are not counted.
func (c *TokenCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += tokensPerMessage
		total += c.CountTokens(string(m.Role))
		total += c.CountTokens(m.Text())
		for _, tc := range m.ToolCalls {
			total += c.CountTokens(tc.Name) + c.CountTokens(tc.Arguments)
		}
		if m.ToolResponse != nil {
			total += tokensPerName + c.CountTokens(m.ToolResponse.Name)
		}
	}
	return total
}

var _ domain.TokenCounter = (*TokenCounter)(nil)
