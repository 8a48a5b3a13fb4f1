package filter

import (
	"slices"

	"github.com/kb-assistant/backend/internal/textnorm"
)

// Rule maps any of its keywords to a category set and an optional priority floor.
type Rule struct {
	Name        string
	Keywords    []string
	Categories  []string
	MinPriority int
}

var DefaultRules = []Rule{
	{
		Name:        "finance",
		Keywords:    []string{"budget", "budgets", "funding", "fund", "grant", "grants", "invoice", "invoices", "reimbursement", "expense", "expenses", "payment", "payments", "procurement", "finance", "financial"},
		Categories:  []string{"finance", "grants", "budget"},
		MinPriority: 2,
	},
	{
		Name:       "hr",
		Keywords:   []string{"leave", "vacation", "benefits", "payroll", "hiring", "onboarding", "pto"},
		Categories: []string{"hr", "policy"},
	},
	{
		Name:       "events",
		Keywords:   []string{"event", "events", "calendar", "schedule", "registration"},
		Categories: []string{"events", "calendar"},
	},
}

// DefaultPreference is applied when no rule matches.
var DefaultPreference = Clause{Field: FieldContentFlag, Op: OpEq, Values: []string{"production"}}

type Planner struct {
	rules []Rule
}

func NewPlanner(rules []Rule) *Planner {
	if rules == nil {
		rules = DefaultRules
	}
	return &Planner{rules: rules}
}

// Plan derives a predicate from query text. It is deterministic and never
// touches backend syntax.
func (p *Planner) Plan(text string) Predicate {
	words := make(map[string]bool)
	for _, w := range textnorm.Words(text) {
		words[w] = true
	}

	var categories []string
	minPriority := 0
	matched := false
	for _, r := range p.rules {
		if !matchesAny(words, r.Keywords) {
			continue
		}
		matched = true
		for _, c := range r.Categories {
			if !slices.Contains(categories, c) {
				categories = append(categories, c)
			}
		}
		if r.MinPriority > minPriority {
			minPriority = r.MinPriority
		}
	}

	if !matched {
		return Predicate{Prefer: []Clause{DefaultPreference}}
	}

	pred := Predicate{Must: []Clause{{Field: FieldCategory, Op: OpIn, Values: categories}}}
	if minPriority > 0 {
		pred.Must = append(pred.Must, Clause{Field: FieldPriority, Op: OpGte, Number: float64(minPriority)})
	}
	return pred
}

func matchesAny(words map[string]bool, keywords []string) bool {
	for _, k := range keywords {
		if words[k] {
			return true
		}
	}
	return false
}
