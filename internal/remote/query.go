package remote

import (
	"fmt"
	"strconv"
	"strings"
)

// DateLiteral is a remote date literal such as TODAY. It is emitted verbatim,
// so only the constants below should be used.
type DateLiteral string

// Today is the remote query language's current-date literal.
const Today DateLiteral = "TODAY"

// Condition is one predicate of a WHERE clause.
type Condition interface {
	soql() string
}

type compare struct {
	field string
	op    string
	value any
}

func (c compare) soql() string {
	return c.field + " " + c.op + " " + literal(c.value)
}

// Eq matches field = value. A nil value renders as NULL.
func Eq(field string, value any) Condition {
	return compare{field: field, op: "=", value: value}
}

// Gte matches field >= value.
func Gte(field string, value any) Condition {
	return compare{field: field, op: ">=", value: value}
}

type in struct {
	field  string
	values []string
}

func (c in) soql() string {
	quoted := make([]string, len(c.values))
	for i, v := range c.values {
		quoted[i] = quote(v)
	}
	return c.field + " IN (" + strings.Join(quoted, ", ") + ")"
}

// In matches field against a list of string values. Empty values are skipped.
func In(field string, values ...string) Condition {
	kept := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			kept = append(kept, v)
		}
	}
	return in{field: field, values: kept}
}

type prefix struct {
	field  string
	prefix string
}

func (c prefix) soql() string {
	escaped := escape(c.prefix)
	escaped = strings.ReplaceAll(escaped, "%", `\%`)
	escaped = strings.ReplaceAll(escaped, "_", `\_`)
	return c.field + " LIKE '" + escaped + "%'"
}

// HasPrefix matches field LIKE 'prefix%'.
func HasPrefix(field, p string) Condition {
	return prefix{field: field, prefix: p}
}

// AnyPrefix ORs HasPrefix over every non-blank prefix. With no usable
// prefixes it renders nothing and the WHERE clause is omitted.
func AnyPrefix(field string, prefixes ...string) Condition {
	var conds []Condition
	for _, p := range prefixes {
		if strings.TrimSpace(p) == "" {
			continue
		}
		conds = append(conds, HasPrefix(field, p))
	}
	return Or(conds...)
}

type junction struct {
	op    string
	conds []Condition
	paren bool
}

func (j junction) soql() string {
	parts := make([]string, 0, len(j.conds))
	for _, c := range j.conds {
		if s := c.soql(); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	s := strings.Join(parts, " "+j.op+" ")
	if j.paren {
		return "(" + s + ")"
	}
	return s
}

// And joins conditions with AND.
func And(conds ...Condition) Condition {
	return junction{op: "AND", conds: conds}
}

// Or joins conditions with OR, always parenthesized.
func Or(conds ...Condition) Condition {
	return junction{op: "OR", conds: conds, paren: true}
}

// Query is a SELECT statement under construction.
type Query struct {
	fields  []string
	object  string
	where   Condition
	orderBy string
	limit   int
}

// Select starts a query over the given fields.
func Select(fields ...string) *Query {
	return &Query{fields: fields}
}

// From sets the object type.
func (q *Query) From(object string) *Query {
	q.object = object
	return q
}

// Where sets the filter. Calling it twice ANDs the conditions.
func (q *Query) Where(c Condition) *Query {
	if q.where == nil {
		q.where = c
	} else {
		q.where = And(q.where, c)
	}
	return q
}

// OrderBy sets the ORDER BY clause, e.g. "Name" or "LastModifiedDate DESC".
func (q *Query) OrderBy(clause string) *Query {
	q.orderBy = clause
	return q
}

// Limit sets the LIMIT clause. Zero means no limit.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// String renders the query.
func (q *Query) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(q.fields, ", "))
	b.WriteString(" FROM ")
	b.WriteString(q.object)
	if q.where != nil {
		if w := q.where.soql(); w != "" {
			b.WriteString(" WHERE ")
			b.WriteString(w)
		}
	}
	if q.orderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.orderBy)
	}
	if q.limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(q.limit))
	}
	return b.String()
}

func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case DateLiteral:
		return string(x)
	case string:
		return quote(x)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return quote(fmt.Sprint(x))
	}
}

func quote(s string) string {
	return "'" + escape(s) + "'"
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
