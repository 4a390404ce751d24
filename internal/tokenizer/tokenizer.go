// Package tokenizer counts tokens for the context budget of a generation.
package tokenizer

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Counter counts the tokens a text occupies in a model's context.
type Counter interface {
	Count(text string) int
	Name() string
}

// Estimator approximates token counts without a vocabulary: the larger of
// runes/4 and words*4/3, which tracks BPE tokenizers on English prose.
type Estimator struct{}

func (Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	byRunes := (utf8.RuneCountInString(text) + 3) / 4
	byWords := (len(strings.Fields(text))*4 + 2) / 3
	return max(byRunes, byWords)
}

func (Estimator) Name() string { return "estimator" }

var modelEncodings = map[string]string{
	"gpt-4o":                 "o200k_base",
	"gpt-4o-mini":            "o200k_base",
	"gpt-4.1":                "o200k_base",
	"gpt-4-turbo":            "cl100k_base",
	"gpt-4":                  "cl100k_base",
	"gpt-3.5-turbo":          "cl100k_base",
	"text-embedding-3-large": "cl100k_base",
	"text-embedding-3-small": "cl100k_base",
}

// Tiktoken counts with the BPE vocabulary of an OpenAI model. The
// vocabulary loads on first use; if it cannot be loaded, counts fall
// back to the Estimator.
type Tiktoken struct {
	encoding string
	logger   *zap.Logger

	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback Estimator
}

func NewTiktoken(model string, logger *zap.Logger) *Tiktoken {
	if logger == nil {
		logger = zap.NewNop()
	}
	encoding, ok := modelEncodings[model]
	if !ok {
		encoding = "cl100k_base"
		longest := 0
		for prefix, e := range modelEncodings {
			if strings.HasPrefix(model, prefix) && len(prefix) > longest {
				encoding, longest = e, len(prefix)
			}
		}
	}
	return &Tiktoken{encoding: encoding, logger: logger.With(zap.String("component", "tokenizer"))}
}

func (t *Tiktoken) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.logger.Warn("tiktoken unavailable, using estimator", zap.String("encoding", t.encoding), zap.Error(err))
			return
		}
		t.enc = enc
	})
}

func (t *Tiktoken) Count(text string) int {
	t.init()
	if t.enc == nil {
		return t.fallback.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) Name() string { return "tiktoken[" + t.encoding + "]" }
