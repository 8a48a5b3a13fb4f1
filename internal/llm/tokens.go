package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/kb-assistant/backend/pkg/logger"
)

const defaultEncoding = "cl100k_base"

// tokenizer caps embedding inputs at the model's token limit. The encoding is
// loaded on first use; if it cannot be loaded the input is cut by bytes instead,
// which never exceeds the limit because every token covers at least one byte.
type tokenizer struct {
	maxTokens int
	load      func() (*tiktoken.Tiktoken, error)

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func newTokenizer(maxTokens int) *tokenizer {
	return &tokenizer{
		maxTokens: maxTokens,
		load:      func() (*tiktoken.Tiktoken, error) { return tiktoken.GetEncoding(defaultEncoding) },
	}
}

func (t *tokenizer) encoding() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := t.load()
		if err != nil {
			logger.Warn("Tokenizer unavailable, truncating by bytes", zap.Error(err))
			return
		}
		t.enc = enc
	})
	return t.enc
}

func (t *tokenizer) Truncate(text string) string {
	if t.maxTokens <= 0 || len(text) <= t.maxTokens {
		return text
	}

	enc := t.encoding()
	if enc == nil {
		return cutBytes(text, t.maxTokens)
	}

	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= t.maxTokens {
		return text
	}
	return enc.Decode(tokens[:t.maxTokens])
}

func cutBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
