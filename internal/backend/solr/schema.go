package solr

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// SchemaField is one field definition of the Solr Schema API.
type SchemaField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Indexed     bool   `json:"indexed"`
	Stored      bool   `json:"stored"`
	MultiValued bool   `json:"multiValued"`
}

var fieldTypes = map[field.Type]string{
	field.Text:       "text_en",
	field.Ngram:      "ngram",
	field.EdgeNgram:  "edge_ngram",
	field.Integer:    "plong",
	field.Long:       "plong",
	field.Float:      "pfloat",
	field.Decimal:    "string",
	field.Boolean:    "boolean",
	field.Date:       "pdate",
	field.DateTime:   "pdate",
	field.Location:   "location",
	field.MultiValue: "text_en",
}

// BuildSchema returns the document field name and the Solr field list.
func (b *Backend) BuildSchema() (string, any, error) {
	fields, err := b.schemaFields()
	if err != nil {
		return "", nil, err
	}
	return b.Unified.DocumentFieldName(), fields, nil
}

func (b *Backend) schemaFields() ([]SchemaField, error) {
	out := []SchemaField{
		{Name: model.FieldID, Type: "string", Indexed: true, Stored: true},
		{Name: model.FieldDjangoCT, Type: "string", Indexed: true, Stored: true},
		{Name: model.FieldDjangoID, Type: "string", Indexed: true, Stored: true},
	}
	for _, f := range b.Unified.OrderedFields() {
		typ, ok := fieldTypes[f.Type()]
		if !ok {
			return nil, fmt.Errorf("field %q has unsupported type %q: %w", f.IndexName(), f.Type(), domain.ErrConfig)
		}
		sf := SchemaField{
			Name:        f.IndexName(),
			Type:        typ,
			Indexed:     f.IsIndexed(),
			Stored:      f.IsStored(),
			MultiValued: f.IsMultiValued(),
		}
		// untokenized text for facets and unindexed text
		if sf.Type == "text_en" && (!sf.Indexed || f.IsFacet()) {
			sf.Type = "string"
		}
		out = append(out, sf)
	}
	return out, nil
}

// Setup brings the core schema in line with the registered indexes.
func (b *Backend) Setup(ctx context.Context) error {
	return b.Guard(ctx, "setup", func(ctx context.Context) error {
		return b.EnsureSetup(ctx, b.syncSchema)
	})
}

type fieldsResponse struct {
	Fields []SchemaField `json:"fields"`
}

// syncSchema adds missing fields and replaces changed ones.
func (b *Backend) syncSchema(ctx context.Context) error {
	want, err := b.schemaFields()
	if err != nil {
		return err
	}
	var current fieldsResponse
	if err := b.client.get(ctx, "/schema/fields", nil, &current); err != nil {
		return fmt.Errorf("fetch schema: %w", err)
	}
	existing := make(map[string]SchemaField, len(current.Fields))
	for _, f := range current.Fields {
		existing[f.Name] = f
	}

	var add, replace []SchemaField
	for _, f := range want {
		cur, ok := existing[f.Name]
		switch {
		case !ok:
			add = append(add, f)
		case cur != f:
			replace = append(replace, f)
		}
	}
	if len(add) == 0 && len(replace) == 0 {
		return nil
	}

	cmd := map[string]any{}
	if len(add) > 0 {
		cmd["add-field"] = add
	}
	if len(replace) > 0 {
		cmd["replace-field"] = replace
	}
	if err := b.client.postJSON(ctx, "/schema", nil, cmd, nil); err != nil {
		return fmt.Errorf("update schema: %w", err)
	}
	b.Logger.Info("Solr schema updated", zap.Int("added", len(add)), zap.Int("replaced", len(replace)))
	return nil
}
