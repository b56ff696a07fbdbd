package connection

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/backend/bleve"
	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/query"
)

var (
	noteModel = model.New("blog", "note")
	userModel = model.New("auth", "user")
)

func testIndexes(t *testing.T) []*index.Index {
	t.Helper()
	var out []*index.Index
	for _, m := range []model.Model{noteModel, userModel} {
		idx, err := index.New(m, index.WithField("text", field.MustNew(field.Text, field.Document())))
		if err != nil {
			t.Fatalf("index %s: %v", m, err)
		}
		out = append(out, idx)
	}
	return out
}

// stubBackend records Close calls.
type stubBackend struct {
	query.Backend
	closed bool
}

func (s *stubBackend) Close() error {
	s.closed = true
	return nil
}

func TestNewRegistry_Validation(t *testing.T) {
	tests := []struct {
		name  string
		conns map[string]Config
	}{
		{"no default", map[string]Config{"other": {Engine: bleve.Engine}}},
		{"unknown engine", map[string]Config{"default": {Engine: "whoosh"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.conns, nil)
			if !errors.Is(err, domain.ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestRegistry_LazyBackends(t *testing.T) {
	built := map[string]int{}
	stubs := map[string]*stubBackend{}
	factory := func(o backend.Options, u *index.Unified, _ *zap.Logger) (query.Backend, error) {
		built[o.Alias]++
		stubs[o.Alias] = &stubBackend{}
		return stubs[o.Alias], nil
	}
	r, err := NewRegistry(map[string]Config{
		"default": {Engine: "stub"},
		"notes":   {Engine: "stub", ExcludedIndexes: []string{"auth.user"}},
		"unused":  {Engine: "stub"},
	}, testIndexes(t), WithFactory("stub", factory))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(built) != 0 {
		t.Fatalf("backends built eagerly: %v", built)
	}

	for range 3 {
		if _, err := r.Backend("default"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := r.Backend(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if built["default"] != 1 {
		t.Errorf("default built %d times", built["default"])
	}

	u, err := r.Unified("notes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !u.Has(noteModel) || u.Has(userModel) {
		t.Errorf("notes models = %v", u.Models())
	}

	if _, err := r.Backend("missing"); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
	if want := []string{"default", "notes", "unused"}; !reflect.DeepEqual(r.Aliases(), want) {
		t.Errorf("aliases = %v", r.Aliases())
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !stubs["default"].closed || !stubs["notes"].closed {
		t.Error("built backends were not closed")
	}
	if _, ok := stubs["unused"]; ok {
		t.Error("close built an unused backend")
	}
}

func TestRegistry_BuiltinEngine(t *testing.T) {
	r, err := NewRegistry(map[string]Config{"default": {Engine: bleve.Engine}}, testIndexes(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = r.Close() }()

	b, err := r.Backend("default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Dialect().Name() != "bleve" {
		t.Errorf("dialect = %s", b.Dialect().Name())
	}
	if err := b.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	engine, _ := r.Engine("default")
	if engine != bleve.Engine {
		t.Errorf("engine = %s", engine)
	}
}

func TestRouting(t *testing.T) {
	blog, err := NewGlobRouter([]string{"blog.*"}, "blog_read", []string{"blog_write", "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mirror, err := NewGlobRouter([]string{"*.note", "auth.user"}, "", []string{"mirror"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, err := NewRegistry(map[string]Config{"default": {Engine: bleve.Engine}}, nil, WithRouters(mirror, blog))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name      string
		hints     Hints
		wantRead  string
		wantWrite []string
	}{
		{"blog model", Hints{Models: []model.Model{noteModel}}, "blog_read", []string{"mirror", "blog_write", "default"}},
		{"instance", Hints{Instance: model.NewDocument(userModel, "1", nil)}, "default", []string{"mirror"}},
		{"no hints", Hints{}, "default", []string{"default"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.ForRead(tt.hints); got != tt.wantRead {
				t.Errorf("ForRead = %q, want %q", got, tt.wantRead)
			}
			if got := r.ForWrite(tt.hints); !reflect.DeepEqual(got, tt.wantWrite) {
				t.Errorf("ForWrite = %v, want %v", got, tt.wantWrite)
			}
		})
	}

	if _, err := NewGlobRouter([]string{"blog.[a"}, "x", nil); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}

	d := DefaultRouter{}
	if d.ForRead(Hints{}) != "default" || !reflect.DeepEqual(d.ForWrite(Hints{}), []string{"default"}) {
		t.Error("default router should route to default")
	}
}
