package sqlengine

import (
	"strings"
)

// Selectable is the compute domain of the SQL engine: a FROM target plus the
// row filters in play. Placeholders are written as ? and rebound per driver.
type Selectable struct {
	From  string
	Where []string
	Args  []any
}

// And returns a copy with one more filter.
func (s Selectable) And(cond string, args ...any) Selectable {
	out := Selectable{
		From:  s.From,
		Where: append(append([]string(nil), s.Where...), cond),
		Args:  append(append([]any(nil), s.Args...), args...),
	}
	return out
}

// Tail renders FROM and WHERE.
func (s Selectable) Tail() (string, []any) {
	var sb strings.Builder
	sb.WriteString(" FROM ")
	sb.WriteString(s.From)
	if len(s.Where) > 0 {
		sb.WriteString(" WHERE ")
		for i, w := range s.Where {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString("(")
			sb.WriteString(w)
			sb.WriteString(")")
		}
	}
	return sb.String(), s.Args
}

// Select renders a full SELECT of exprs with their args placed first.
func (s Selectable) Select(exprs []string, exprArgs []any) (string, []any) {
	tail, whereArgs := s.Tail()
	args := append(append([]any(nil), exprArgs...), whereArgs...)
	return "SELECT " + strings.Join(exprs, ", ") + tail, args
}

// Subquery renders the domain as a parenthesized SELECT *.
func (s Selectable) Subquery() (string, []any) {
	q, args := s.Select([]string{"*"}, nil)
	return "(" + q + ") AS batch_rows", args
}
