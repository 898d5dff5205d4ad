package store

import (
	"strconv"
	"strings"
)

// Dialect covers the few spots where SQLite and PostgreSQL disagree.
type Dialect interface {
	Name() string
	// ForUpdate is appended to a SELECT that must lock the selected rows.
	ForUpdate() string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string      { return "sqlite" }
func (sqliteDialect) ForUpdate() string { return "" }

type postgresDialect struct{}

func (postgresDialect) Name() string      { return "postgres" }
func (postgresDialect) ForUpdate() string { return " FOR UPDATE" }

// Rebind converts ? placeholders to $1, $2, ... Placeholders inside single
// quoted literals are left alone.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
