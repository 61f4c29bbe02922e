package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Placeholder selects the bind-parameter syntax of the target driver.
type Placeholder int

const (
	// Dollar renders $1, $2, ... (PostgreSQL).
	Dollar Placeholder = iota
	// Question renders ?, ?, ... (SQLite).
	Question
)

// Insert describes a single-row INSERT ... ON CONFLICT statement.
type Insert struct {
	Table         string   // target table, optionally schema-qualified
	Columns       []string // all columns being inserted
	ConflictKeys  []string // columns forming the unique constraint; nil = plain insert
	UpdateCols    []string // columns to update on conflict; nil = all non-conflict columns
	DoNothing     bool     // ON CONFLICT DO NOTHING instead of DO UPDATE
	ConflictWhere string   // predicate for partial unique indexes
	Returning     []string
	Placeholder   Placeholder
}

// SQL renders the statement.
func (s Insert) SQL() (string, error) {
	if s.Table == "" {
		return "", eris.New("db: insert: no table specified")
	}
	if len(s.Columns) == 0 {
		return "", eris.New("db: insert: no columns specified")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		sanitizeTable(s.Table), quoteAndJoin(s.Columns), s.placeholders(len(s.Columns)))

	if len(s.ConflictKeys) > 0 {
		fmt.Fprintf(&b, " ON CONFLICT (%s)", quoteAndJoin(s.ConflictKeys))
		if s.ConflictWhere != "" {
			fmt.Fprintf(&b, " WHERE %s", s.ConflictWhere)
		}
		if s.DoNothing {
			b.WriteString(" DO NOTHING")
		} else {
			updateCols := s.updateCols()
			if len(updateCols) == 0 {
				return "", eris.Errorf("db: insert: nothing to update on conflict for %s", s.Table)
			}
			setClauses := make([]string, len(updateCols))
			for i, col := range updateCols {
				q := pgx.Identifier{col}.Sanitize()
				setClauses[i] = fmt.Sprintf("%s = excluded.%s", q, q)
			}
			fmt.Fprintf(&b, " DO UPDATE SET %s", strings.Join(setClauses, ", "))
		}
	} else if s.DoNothing {
		return "", eris.New("db: insert: DO NOTHING requires conflict keys")
	}

	if len(s.Returning) > 0 {
		fmt.Fprintf(&b, " RETURNING %s", quoteAndJoin(s.Returning))
	}
	return b.String(), nil
}

// MustSQL is SQL for statements fixed at compile time.
func (s Insert) MustSQL() string {
	q, err := s.SQL()
	if err != nil {
		panic(err)
	}
	return q
}

func (s Insert) updateCols() []string {
	if s.UpdateCols != nil {
		return s.UpdateCols
	}
	conflictSet := make(map[string]bool, len(s.ConflictKeys))
	for _, k := range s.ConflictKeys {
		conflictSet[k] = true
	}
	var cols []string
	for _, c := range s.Columns {
		if !conflictSet[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

func (s Insert) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		if s.Placeholder == Question {
			parts[i] = "?"
		} else {
			parts[i] = fmt.Sprintf("$%d", i+1)
		}
	}
	return strings.Join(parts, ", ")
}

// sanitizeTable handles schema-qualified table names like "intel.raw_documents".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
