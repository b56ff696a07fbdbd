package model

// Document is a map-backed Object for entities that have no Go type of their own,
// such as rows read from a primary store or declared in configuration.
type Document struct {
	model Model
	pk    string
	attrs map[string]any
}

// NewDocument creates a document.
func NewDocument(m Model, pk string, attrs map[string]any) *Document {
	if attrs == nil {
		attrs = make(map[string]any)
	}
	return &Document{model: m, pk: pk, attrs: attrs}
}

// ModelType returns the document's entity type.
func (d *Document) ModelType() Model { return d.model }

// PrimaryKey returns the document's primary key.
func (d *Document) PrimaryKey() string { return d.pk }

// Attrs returns the document attributes.
func (d *Document) Attrs() map[string]any { return d.attrs }

// SearchAttr resolves a named attribute for field preparation. Unset
// attributes resolve to nil.
func (d *Document) SearchAttr(name string) (any, bool) {
	if name == "pk" {
		return d.pk, true
	}
	return d.attrs[name], true
}
