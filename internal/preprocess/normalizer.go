// Package preprocess turns a raw user question into the query used for search.
package preprocess

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/pkg/logger"
)

var discourseMarkers = [][]string{
	{"and"},
	{"also"},
	{"but"},
	{"so"},
	{"then"},
	{"what", "about"},
	{"how", "about"},
	{"what", "else"},
}

var leadingPronouns = map[string]bool{
	"it": true, "that": true, "this": true, "they": true, "those": true,
	"these": true, "them": true, "its": true, "their": true,
}

type Rewriter interface {
	RewriteQuery(ctx context.Context, question string, history []models.ConversationTurn) (string, error)
}

type Config struct {
	RewriteEnabled  bool
	RewriteTimeout  time.Duration
	ShortQueryWords int
	MaxHistory      int
}

type Normalizer struct {
	rewriter Rewriter
	cfg      Config
	dict     atomic.Pointer[Dictionary]
}

func NewNormalizer(rewriter Rewriter, dict *Dictionary, cfg Config) *Normalizer {
	if cfg.ShortQueryWords <= 0 {
		cfg.ShortQueryWords = 4
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 5
	}
	if cfg.RewriteTimeout <= 0 {
		cfg.RewriteTimeout = 2 * time.Second
	}
	if dict == nil {
		dict = NewDictionary(nil)
	}

	n := &Normalizer{rewriter: rewriter, cfg: cfg}
	n.dict.Store(dict)
	return n
}

// SetDictionary swaps the acronym dictionary for subsequent requests.
func (n *Normalizer) SetDictionary(d *Dictionary) {
	if d == nil {
		d = NewDictionary(nil)
	}
	n.dict.Store(d)
}

func (n *Normalizer) Dictionary() *Dictionary {
	return n.dict.Load()
}

// Prepare builds the per-request query. It never fails: a rewrite error or
// timeout leaves the question as asked.
func (n *Normalizer) Prepare(ctx context.Context, sessionID, question string, history []models.ConversationTurn) models.Query {
	q := models.Query{
		Raw:        question,
		SessionID:  sessionID,
		Standalone: strings.TrimSpace(question),
	}

	if len(history) > n.cfg.MaxHistory {
		history = history[len(history)-n.cfg.MaxHistory:]
	}

	if dependent, reason := NeedsContext(question, n.cfg.ShortQueryWords); dependent && len(history) > 0 {
		if rewritten, ok := n.rewrite(ctx, question, history); ok {
			logger.Debug("Query rewritten",
				zap.String("reason", reason),
				zap.String("original", question),
				zap.String("standalone", rewritten),
			)
			q.Standalone = rewritten
			q.Rewritten = true
		}
	}

	q.Expanded, q.Acronyms = n.dict.Load().Expand(q.Standalone)
	return q
}

func (n *Normalizer) rewrite(ctx context.Context, question string, history []models.ConversationTurn) (string, bool) {
	if !n.cfg.RewriteEnabled || n.rewriter == nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.RewriteTimeout)
	defer cancel()

	rewritten, err := n.rewriter.RewriteQuery(ctx, question, history)
	if err != nil {
		logger.Warn("Query rewrite failed, using original question", zap.Error(err))
		return "", false
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" || rewritten == strings.TrimSpace(question) {
		return "", false
	}
	return rewritten, true
}

// NeedsContext reports whether a question probably depends on earlier turns,
// and which heuristic fired.
func NeedsContext(question string, shortWords int) (bool, string) {
	words := tokenize(question)
	if len(words) == 0 {
		return false, ""
	}
	if len(words) < shortWords {
		return true, "short"
	}
	for _, marker := range discourseMarkers {
		if hasPrefix(words, marker) {
			return true, "discourse_marker"
		}
	}
	if leadingPronouns[words[0]] {
		return true, "pronoun"
	}
	return false, ""
}

func tokenize(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return strings.Fields(strings.ToLower(text))
	}

	var words []string
	for _, tok := range doc.Tokens() {
		if !hasWordRune(tok.Text) {
			continue
		}
		words = append(words, strings.ToLower(tok.Text))
	}
	return words
}

func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func hasPrefix(words, prefix []string) bool {
	if len(words) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if words[i] != p {
			return false
		}
	}
	return true
}
