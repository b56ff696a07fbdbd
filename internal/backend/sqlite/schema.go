package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// Column is one column of the FTS5 table.
type Column struct {
	Name    string
	Indexed bool
	Type    field.Type
}

// Schema is the FTS5 table backing one connection.
type Schema struct {
	Table   string
	Columns []Column
}

// BuildSchema lays out the reserved columns, the anchor column and one
// column per field of u.
func BuildSchema(table string, u *index.Unified) (*Schema, error) {
	s := &Schema{Table: table}
	for _, name := range []string{model.FieldID, model.FieldDjangoCT, model.FieldDjangoID} {
		s.Columns = append(s.Columns, Column{Name: name})
	}
	s.Columns = append(s.Columns, Column{Name: AllColumn, Indexed: true})
	for _, f := range u.OrderedFields() {
		if !slices.Contains(field.Types, f.Type()) {
			return nil, fmt.Errorf("field %s: unsupported type %q: %w", f.IndexName(), f.Type(), domain.ErrConfig)
		}
		if !isBareword(f.IndexName()) {
			return nil, fmt.Errorf("field %s: FTS5 column names must be barewords: %w", f.IndexName(), domain.ErrConfig)
		}
		s.Columns = append(s.Columns, Column{Name: f.IndexName(), Indexed: f.IsIndexed(), Type: f.Type()})
	}
	return s, nil
}

// Names returns the column names in table order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Position returns the index of a column, or -1.
func (s *Schema) Position(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Column returns a column by name.
func (s *Schema) Column(name string) (Column, bool) {
	if i := s.Position(name); i >= 0 {
		return s.Columns[i], true
	}
	return Column{}, false
}

// DDL returns the CREATE VIRTUAL TABLE statement.
func (s *Schema) DDL() string {
	cols := make([]string, 0, len(s.Columns)+1)
	for _, c := range s.Columns {
		def := quoteIdent(c.Name)
		if !c.Indexed {
			def += " UNINDEXED"
		}
		cols = append(cols, def)
	}
	cols = append(cols, "tokenize = 'porter unicode61'")
	return fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(%s)",
		quoteIdent(s.Table), strings.Join(cols, ", "))
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// setupTable creates the table. A table with different columns is dropped
// and recreated; its documents need reindexing.
func (b *Backend) setupTable(ctx context.Context) error {
	current, err := b.currentColumns(ctx)
	if err != nil {
		return err
	}
	want := b.schema.Names()
	if current != nil && !slices.Equal(current, want) {
		b.Logger.Warn("FTS5 table columns changed, recreating the table",
			zap.String("table", b.schema.Table),
			zap.Strings("current", current),
			zap.Strings("want", want),
		)
		if _, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(b.schema.Table)); err != nil {
			return fmt.Errorf("drop table %s: %w", b.schema.Table, err)
		}
	}
	if _, err := b.db.ExecContext(ctx, b.schema.DDL()); err != nil {
		return fmt.Errorf("create table %s: %w", b.schema.Table, err)
	}
	return nil
}

// currentColumns returns nil when the table does not exist.
func (b *Backend) currentColumns(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", b.schema.Table)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", b.schema.Table, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("read columns of %s: %w", b.schema.Table, err)
		}
		cols = append(cols, name.String)
	}
	return cols, rows.Err()
}
