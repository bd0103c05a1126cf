package provider

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Estimation constants for chat requests. Per-message overhead covers
// the role and separator tokens the provider counts; the reply priming
// covers the assistant prefix. Structured output carries a schema the
// provider bills for, which the cushion absorbs.
const (
	tokensPerMessage  = 4
	replyPriming      = 3
	structuredCushion = 500
)

const fallbackEncoding = "cl100k_base"

// Estimator counts tokens the way the provider bills them, so the
// pre-call reservation is an upper bound rather than a guess.
type Estimator struct {
	count func(text string) int
}

// NewEstimator builds an estimator for the given model, falling back to
// the cl100k_base encoding for models tiktoken does not know.
func NewEstimator(model string) (*Estimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("load %s encoding: %w", fallbackEncoding, err)
		}
	}
	return &Estimator{count: func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}}, nil
}

// Count returns the token count of a single string.
func (e *Estimator) Count(text string) int {
	return e.count(text)
}

// EstimateChat returns an upper bound for a chat call: the encoded
// prompt with per-message overhead, the reply priming, the completion
// allowance, and the structured-output cushion when a response format
// is requested.
func (e *Estimator) EstimateChat(messages []ChatMessage, maxTokens int, structured bool) int {
	total := replyPriming
	for _, m := range messages {
		total += tokensPerMessage
		total += e.Count(m.Content)
		if m.Name != "" {
			total += e.Count(m.Name)
		}
	}
	total += maxTokens
	if structured {
		total += structuredCushion
	}
	return total
}

// EstimateEmbedding returns the token count of the inputs to embed.
// Embeddings produce no completion, so the encoded input is the bill.
func (e *Estimator) EstimateEmbedding(inputs []string) int {
	total := 0
	for _, in := range inputs {
		total += e.Count(in)
	}
	return total
}
