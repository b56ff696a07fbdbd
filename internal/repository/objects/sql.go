package objects

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Table maps an entity type onto a SQL table.
type Table struct {
	Name     string
	PKColumn string
}

// SQLLoader reads objects from relational tables, one row per object.
type SQLLoader struct {
	db     *sql.DB
	tables map[model.Model]Table
}

var _ index.Loader = (*SQLLoader)(nil)

// NewSQLLoader validates the table mapping. The PK column defaults to "id".
func NewSQLLoader(conn *sql.DB, tables map[model.Model]Table) (*SQLLoader, error) {
	out := make(map[model.Model]Table, len(tables))
	for m, t := range tables {
		if t.PKColumn == "" {
			t.PKColumn = "id"
		}
		if !identRe.MatchString(t.Name) || !identRe.MatchString(t.PKColumn) {
			return nil, fmt.Errorf("table for %s: invalid identifier %q.%q: %w", m, t.Name, t.PKColumn, domain.ErrConfig)
		}
		out[m] = t
	}
	return &SQLLoader{db: conn, tables: out}, nil
}

// LoadByIDs selects the rows of ids. Missing rows are absent from the result.
func (l *SQLLoader) LoadByIDs(ctx context.Context, m model.Model, ids []string) (map[string]any, error) {
	t, ok := l.tables[m]
	if !ok {
		return nil, fmt.Errorf("no table for %s: %w", m, domain.ErrNotRegistered)
	}
	if len(ids) == 0 {
		return map[string]any{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE CAST(%s AS TEXT) IN (%s)",
		t.Name, t.PKColumn, strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "))
	rows, err := l.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("load %s objects: %w", m, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("load %s objects: %w", m, err)
	}
	out := make(map[string]any, len(ids))
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", m, err)
		}
		attrs := make(map[string]any, len(cols))
		var pk string
		for i, c := range cols {
			v := values[i]
			if b, isBytes := v.([]byte); isBytes {
				v = string(b)
			}
			attrs[c] = v
			if c == t.PKColumn {
				pk = fmt.Sprint(v)
			}
		}
		out[pk] = model.NewDocument(m, pk, attrs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %s objects: %w", m, err)
	}
	return out, nil
}
