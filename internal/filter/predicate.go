// Package filter derives structural metadata predicates from query text.
package filter

import (
	"slices"
	"strconv"

	"github.com/kb-assistant/backend/internal/storage/models"
)

type Op string

const (
	OpIn  Op = "in"
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Field names match the metadata fields of the vector collection.
const (
	FieldCategory    = "category"
	FieldPriority    = "priority"
	FieldContentFlag = "content_flag"
)

// Clause is one field comparison. String fields use Values, numeric fields use Number.
type Clause struct {
	Field  string
	Op     Op
	Values []string
	Number float64
}

// Predicate is a conjunction of hard Must clauses plus soft Prefer clauses.
// Prefer never excludes a match; it only ranks satisfying matches first.
type Predicate struct {
	Must   []Clause
	Prefer []Clause
}

func (p Predicate) IsEmpty() bool {
	return len(p.Must) == 0 && len(p.Prefer) == 0
}

// Matches reports whether md satisfies every Must clause.
func (p Predicate) Matches(md models.SourceMetadata) bool {
	return allMatch(p.Must, md)
}

// Preferred reports whether md satisfies every Prefer clause. A predicate with
// no Prefer clauses prefers nothing.
func (p Predicate) Preferred(md models.SourceMetadata) bool {
	return len(p.Prefer) > 0 && allMatch(p.Prefer, md)
}

func allMatch(clauses []Clause, md models.SourceMetadata) bool {
	for _, c := range clauses {
		if !c.Matches(md) {
			return false
		}
	}
	return true
}

func (c Clause) Matches(md models.SourceMetadata) bool {
	switch c.Field {
	case FieldPriority:
		return c.matchNumber(float64(md.Priority))
	case FieldCategory:
		return c.matchString(md.Category)
	case FieldContentFlag:
		return c.matchString(md.ContentFlag)
	}
	return false
}

func (c Clause) matchString(v string) bool {
	switch c.Op {
	case OpIn:
		return slices.Contains(c.Values, v)
	case OpEq:
		return len(c.Values) > 0 && c.Values[0] == v
	}
	return false
}

func (c Clause) matchNumber(v float64) bool {
	switch c.Op {
	case OpGte:
		return v >= c.Number
	case OpLte:
		return v <= c.Number
	case OpEq:
		return v == c.Number
	case OpIn:
		for _, s := range c.Values {
			if n, err := strconv.ParseFloat(s, 64); err == nil && n == v {
				return true
			}
		}
	}
	return false
}
