package zilliz

import (
	"strconv"
	"strings"

	"github.com/kb-assistant/backend/internal/filter"
)

// BuildExpr translates the hard clauses of a predicate into a Milvus boolean
// expression. An empty result means no filter.
func BuildExpr(pred filter.Predicate) string {
	parts := make([]string, 0, len(pred.Must))
	for _, c := range pred.Must {
		if e := clauseExpr(c); e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, " && ")
}

func clauseExpr(c filter.Clause) string {
	switch c.Op {
	case filter.OpIn:
		if len(c.Values) == 0 {
			return ""
		}
		vals := make([]string, 0, len(c.Values))
		for _, v := range c.Values {
			if lit, ok := literal(c.Field, v); ok {
				vals = append(vals, lit)
			}
		}
		if len(vals) == 0 {
			return ""
		}
		return c.Field + " in [" + strings.Join(vals, ", ") + "]"
	case filter.OpEq:
		if c.Field == filter.FieldPriority {
			return c.Field + " == " + number(c.Number)
		}
		if len(c.Values) == 0 {
			return ""
		}
		lit, _ := literal(c.Field, c.Values[0])
		return c.Field + " == " + lit
	case filter.OpGte:
		return c.Field + " >= " + number(c.Number)
	case filter.OpLte:
		return c.Field + " <= " + number(c.Number)
	}
	return ""
}

// literal renders v for field. Numeric fields only accept values that parse
// as numbers; anything else is dropped.
func literal(field, v string) (string, bool) {
	if field == filter.FieldPriority {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return "", false
		}
		return number(f), true
	}
	return strconv.Quote(v), true
}

func number(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
