package index

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

var (
	noteModel = model.New("core", "note")
	postModel = model.New("core", "post")
)

func doc(m model.Model, pk string, attrs map[string]any) *model.Document {
	return model.NewDocument(m, pk, attrs)
}

func newNoteIndex(t *testing.T, opts ...Option) *Index {
	t.Helper()
	base := []Option{
		WithField("text", field.MustNew(field.Text, field.Document(), field.SourceAttr("body"))),
		WithField("author", field.MustNew(field.Text, field.SourceAttr("author"), field.Faceted())),
		WithField("rating", field.MustNew(field.Integer, field.SourceAttr("rating"), field.Null())),
	}
	idx, err := New(noteModel, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return idx
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"no document field", []Option{WithField("title", field.MustNew(field.Text))}},
		{"two document fields", []Option{
			WithField("text", field.MustNew(field.Text, field.Document())),
			WithField("body", field.MustNew(field.Text, field.Document())),
		}},
		{"reserved name", []Option{
			WithField("text", field.MustNew(field.Text, field.Document())),
			WithField("django_ct", field.MustNew(field.Text)),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(noteModel, tt.opts...); !errors.Is(err, domain.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
	if _, err := New(model.Model{}); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("zero model: expected ErrConfig, got %v", err)
	}
}

func TestNew_FacetSidecar(t *testing.T) {
	idx := newNoteIndex(t)
	f, ok := idx.Field("author_exact")
	if !ok {
		t.Fatal("expected author_exact sidecar")
	}
	if f.FacetFor() != "author" {
		t.Errorf("FacetFor() = %q", f.FacetFor())
	}
	if got := len(idx.Fields()); got != 4 {
		t.Errorf("len(Fields()) = %d, want 4", got)
	}
}

func TestFullPrepare(t *testing.T) {
	idx := newNoteIndex(t)
	data, err := idx.FullPrepare(doc(noteModel, "5", map[string]any{"body": "hello", "author": "daniel"}))
	if err != nil {
		t.Fatalf("FullPrepare: %v", err)
	}
	want := map[string]any{
		"id":           "core.note.5",
		"django_ct":    "core.note",
		"django_id":    "5",
		"text":         "hello",
		"author":       "daniel",
		"author_exact": "daniel",
	}
	if len(data) != len(want) {
		t.Fatalf("got %v, want %v", data, want)
	}
	for k, v := range want {
		if data[k] != v {
			t.Errorf("%s = %v, want %v", k, data[k], v)
		}
	}
	if _, ok := data["rating"]; ok {
		t.Error("nil nullable field should be dropped")
	}
}

func TestPrepare_Hooks(t *testing.T) {
	idx := newNoteIndex(t, WithPrepare("author", func(obj any) (any, error) {
		return "override", nil
	}))
	data, err := idx.FullPrepare(doc(noteModel, "1", map[string]any{"body": "b", "author": "a"}))
	if err != nil {
		t.Fatalf("FullPrepare: %v", err)
	}
	if data["author"] != "override" || data["author_exact"] != "override" {
		t.Errorf("hook not applied: %v", data)
	}

	skip := newNoteIndex(t, WithPrepare("text", func(obj any) (any, error) {
		return nil, fmt.Errorf("private note: %w", domain.ErrSkipDocument)
	}))
	if _, err := skip.FullPrepare(doc(noteModel, "1", map[string]any{"body": "b", "author": "a"})); !errors.Is(err, domain.ErrSkipDocument) {
		t.Errorf("expected ErrSkipDocument, got %v", err)
	}

	failing := newNoteIndex(t, WithPrepare("text", func(obj any) (any, error) {
		return nil, errors.New("boom")
	}))
	if _, err := failing.FullPrepare(doc(noteModel, "1", map[string]any{"body": "b", "author": "a"})); !errors.Is(err, domain.ErrField) {
		t.Errorf("expected ErrField, got %v", err)
	}
}

func TestPrepare_WrongModel(t *testing.T) {
	idx := newNoteIndex(t)
	if _, err := idx.Prepare(doc(postModel, "1", nil)); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestUnified_Merge(t *testing.T) {
	notes := newNoteIndex(t)
	posts, err := New(postModel,
		WithField("text", field.MustNew(field.Text, field.Document(), field.SourceAttr("body"))),
		WithField("author", field.MustNew(field.MultiValue, field.SourceAttr("authors"), field.Stored(false))),
		WithField("title", field.MustNew(field.Text, field.Indexed(false), field.Stored(false))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u, err := NewUnified(notes, posts)
	if err != nil {
		t.Fatalf("NewUnified: %v", err)
	}

	all := u.AllSearchFields()
	author := all["author"]
	if !author.IsMultiValued() {
		t.Error("author should be promoted to multi-valued")
	}
	if !author.IsStored() || !author.IsIndexed() || !author.IsFaceted() {
		t.Errorf("author flags not OR-ed: stored=%v indexed=%v faceted=%v",
			author.IsStored(), author.IsIndexed(), author.IsFaceted())
	}
	if title := all["title"]; title.IsStored() || title.IsIndexed() {
		t.Error("title contributed by one index keeps its flags")
	}

	if got := u.DocumentFieldName(); got != "text" {
		t.Errorf("DocumentFieldName() = %q", got)
	}
	if got := u.FacetFieldName("author"); got != "author_exact" {
		t.Errorf("FacetFieldName() = %q", got)
	}
	if got := u.IndexFieldName("unknown"); got != "unknown" {
		t.Errorf("IndexFieldName(unknown) = %q", got)
	}
	models := u.Models()
	if len(models) != 2 || models[0] != noteModel || models[1] != postModel {
		t.Errorf("Models() = %v", models)
	}
	if _, err := u.Index(model.New("x", "y")); !errors.Is(err, domain.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestUnified_Conflicts(t *testing.T) {
	notes := newNoteIndex(t)

	otherDoc, err := New(postModel, WithField("content", field.MustNew(field.Text, field.Document())))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := NewUnified(notes, otherDoc); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("document field mismatch: expected ErrConfig, got %v", err)
	}

	renamed, err := New(postModel,
		WithField("text", field.MustNew(field.Text, field.Document())),
		WithField("author", field.MustNew(field.Text, field.IndexName("writer"))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := NewUnified(notes, renamed); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("index name mismatch: expected ErrConfig, got %v", err)
	}

	if _, err := NewUnified(notes, notes); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("duplicate model: expected ErrConfig, got %v", err)
	}
}
