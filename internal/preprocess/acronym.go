package preprocess

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/kb-assistant/backend/internal/storage/models"
)

// Dictionary is an immutable acronym lookup. Build a new one to change it.
type Dictionary struct {
	expansions map[string][]string
}

func NewDictionary(acronyms []models.Acronym) *Dictionary {
	d := &Dictionary{expansions: make(map[string][]string)}
	for _, a := range acronyms {
		key := strings.ToUpper(strings.TrimSpace(a.Acronym))
		exp := strings.TrimSpace(a.Expansion)
		if key == "" || exp == "" {
			continue
		}
		dup := false
		for _, e := range d.expansions[key] {
			if strings.EqualFold(e, exp) {
				dup = true
				break
			}
		}
		if !dup {
			d.expansions[key] = append(d.expansions[key], exp)
		}
	}
	return d
}

func (d *Dictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.expansions)
}

// Expand appends the expansions of every acronym found in text, as a whole word
// and case-insensitively, in order of first appearance. The acronym itself stays
// in place. Expansions already present in the text are not repeated.
func (d *Dictionary) Expand(text string) (string, []string) {
	if d.Len() == 0 {
		return text, nil
	}

	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	var matched []string
	var additions []string

	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&'
	})
	for _, w := range words {
		key := strings.ToUpper(w)
		exps, ok := d.expansions[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		matched = append(matched, key)
		for _, exp := range exps {
			le := strings.ToLower(exp)
			if strings.Contains(lower, le) {
				continue
			}
			additions = append(additions, exp)
			lower += " " + le
		}
	}

	if len(additions) == 0 {
		return text, matched
	}
	return strings.TrimSpace(text) + " " + strings.Join(additions, " "), matched
}

type AcronymSource interface {
	ListAcronyms(ctx context.Context) ([]models.Acronym, error)
}

// LoadDictionary builds a dictionary from the durable store.
func LoadDictionary(ctx context.Context, src AcronymSource) (*Dictionary, error) {
	acronyms, err := src.ListAcronyms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load acronyms: %w", err)
	}
	return NewDictionary(acronyms), nil
}

type seedFile struct {
	Acronyms []models.Acronym `yaml:"acronyms"`
}

// LoadSeedFile reads acronyms from a YAML file of the form
//
//	acronyms:
//	  - acronym: NIFA
//	    expansion: National Institute of Food and Agriculture
func LoadSeedFile(path string) ([]models.Acronym, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read acronym seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse acronym seed file: %w", err)
	}
	return seed.Acronyms, nil
}
