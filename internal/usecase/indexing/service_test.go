package indexing

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/connection"
	"github.com/kailas-cloud/needle/internal/domain"
	dombatch "github.com/kailas-cloud/needle/internal/domain/batch"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/query"
)

// --- Mocks ---

var (
	noteModel  = model.New("blog", "note")
	otherModel = model.New("blog", "other")
)

type mockBackend struct {
	query.Backend
	updateFn  func(objs []model.Object) error
	updates   [][]string
	removed   []string
	removeErr error
	cleared   [][]model.Model
}

func (m *mockBackend) Update(_ context.Context, _ *index.Index, objs []model.Object, _ bool) error {
	ids := make([]string, len(objs))
	for i, o := range objs {
		ids[i] = o.PrimaryKey()
	}
	m.updates = append(m.updates, ids)
	if m.updateFn != nil {
		return m.updateFn(objs)
	}
	return nil
}

func (m *mockBackend) Remove(_ context.Context, objOrID any, _ bool) error {
	m.removed = append(m.removed, objOrID.(string))
	return m.removeErr
}

func (m *mockBackend) Clear(_ context.Context, models []model.Model, _ bool) error {
	m.cleared = append(m.cleared, models)
	return nil
}

type mockBackends struct {
	backends  map[string]*mockBackend
	unified   *index.Unified
	batchSize int
}

func (m *mockBackends) Backend(alias string) (query.Backend, error) {
	b, ok := m.backends[alias]
	if !ok {
		return nil, domain.ErrConfig
	}
	return b, nil
}

func (m *mockBackends) Unified(string) (*index.Unified, error) { return m.unified, nil }

func (m *mockBackends) Options(alias string) (backend.Options, error) {
	return backend.Options{Alias: alias, BatchSize: m.batchSize}, nil
}

type routerFunc func(h connection.Hints) []string

func (f routerFunc) ForWrite(h connection.Hints) []string { return f(h) }

func toAll(aliases ...string) routerFunc {
	return func(connection.Hints) []string { return aliases }
}

type mockObjects struct {
	saved   []string
	deleted []string
	saveErr error
}

func (m *mockObjects) Save(_ context.Context, docs []*model.Document) error {
	for _, d := range docs {
		m.saved = append(m.saved, d.PrimaryKey())
	}
	return m.saveErr
}

func (m *mockObjects) Delete(_ context.Context, _ model.Model, pk string) error {
	m.deleted = append(m.deleted, pk)
	return nil
}

func newBackends(t *testing.T, aliases ...string) *mockBackends {
	t.Helper()
	idx, err := index.New(noteModel, index.WithField("text", field.MustNew(field.Text, field.Document())))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	u, err := index.NewUnified(idx)
	if err != nil {
		t.Fatalf("unified: %v", err)
	}
	m := &mockBackends{backends: map[string]*mockBackend{}, unified: u}
	for _, a := range aliases {
		m.backends[a] = &mockBackend{}
	}
	return m
}

func notes(pks ...string) []model.Object {
	out := make([]model.Object, len(pks))
	for i, pk := range pks {
		out[i] = model.NewDocument(noteModel, pk, map[string]any{"text": "n" + pk})
	}
	return out
}

func statuses(results []dombatch.Result) []dombatch.ItemStatus {
	out := make([]dombatch.ItemStatus, len(results))
	for i, r := range results {
		out[i] = r.Status()
	}
	return out
}

// --- Tests ---

func TestUpdate_BatchesPerAlias(t *testing.T) {
	bs := newBackends(t, "default", "mirror")
	bs.batchSize = 2
	s := New(bs, toAll("default", "mirror"), nil)

	results := s.Update(context.Background(), notes("1", "2", "3"))
	for _, r := range results {
		if r.Status() != dombatch.StatusOK {
			t.Fatalf("item %s: %v", r.ID(), r.Err())
		}
	}
	if results[0].ID() != "blog.note.1" || results[0].Op() != dombatch.OpUpdate || results[0].PK() != "1" {
		t.Errorf("result = %v", results[0])
	}
	want := [][]string{{"1", "2"}, {"3"}}
	for _, alias := range []string{"default", "mirror"} {
		if got := bs.backends[alias].updates; !reflect.DeepEqual(got, want) {
			t.Errorf("%s batches = %v, want %v", alias, got, want)
		}
	}
}

func TestUpdate_ServiceBatchSize(t *testing.T) {
	bs := newBackends(t, "default")
	s := New(bs, toAll("default"), nil).WithBatchSize(1)
	s.Update(context.Background(), notes("1", "2"))
	if got := len(bs.backends["default"].updates); got != 2 {
		t.Errorf("expected 2 batches, got %d", got)
	}
}

func TestUpdate_FailedBatch(t *testing.T) {
	bs := newBackends(t, "default")
	bs.batchSize = 1
	bs.backends["default"].updateFn = func(objs []model.Object) error {
		if objs[0].PrimaryKey() == "2" {
			return domain.ErrSearch
		}
		return nil
	}
	s := New(bs, toAll("default"), nil)

	results := s.Update(context.Background(), notes("1", "2", "3"))
	want := []dombatch.ItemStatus{dombatch.StatusOK, dombatch.StatusError, dombatch.StatusOK}
	if got := statuses(results); !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	if !errors.Is(results[1].Err(), domain.ErrSearch) {
		t.Errorf("expected ErrSearch, got %v", results[1].Err())
	}
}

func TestUpdate_UnregisteredModelAndAlias(t *testing.T) {
	bs := newBackends(t, "default")
	s := New(bs, toAll("default", "gone"), nil)

	objs := append(notes("1"), model.NewDocument(otherModel, "9", nil))
	results := s.Update(context.Background(), objs)
	if !errors.Is(results[0].Err(), domain.ErrConfig) {
		t.Errorf("expected ErrConfig for missing alias, got %v", results[0].Err())
	}
	if !errors.Is(results[1].Err(), domain.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", results[1].Err())
	}
}

func TestUpdate_SavesObjects(t *testing.T) {
	bs := newBackends(t, "default")
	bs.backends["default"].updateFn = func(objs []model.Object) error {
		if len(objs) == 2 {
			return nil
		}
		return domain.ErrSearch
	}
	store := &mockObjects{}
	s := New(bs, toAll("default"), nil).WithObjectStore(store)

	results := s.Update(context.Background(), notes("1", "2"))
	if got := statuses(results); !reflect.DeepEqual(got, []dombatch.ItemStatus{dombatch.StatusOK, dombatch.StatusOK}) {
		t.Fatalf("statuses = %v", got)
	}
	if !reflect.DeepEqual(store.saved, []string{"1", "2"}) {
		t.Errorf("saved = %v", store.saved)
	}

	store.saveErr = errors.New("store down")
	results = s.Update(context.Background(), notes("3", "4"))
	if results[0].Status() != dombatch.StatusError {
		t.Error("expected save failure to fail the item")
	}
}

func TestRemove(t *testing.T) {
	bs := newBackends(t, "default")
	store := &mockObjects{}
	s := New(bs, toAll("default"), nil).WithObjectStore(store)

	results := s.Remove(context.Background(), []string{"blog.note.1", "broken"})
	if got := statuses(results); !reflect.DeepEqual(got, []dombatch.ItemStatus{dombatch.StatusOK, dombatch.StatusError}) {
		t.Fatalf("statuses = %v", got)
	}
	if !errors.Is(results[1].Err(), domain.ErrField) {
		t.Errorf("expected ErrField, got %v", results[1].Err())
	}
	if results[0].Op() != dombatch.OpRemove || results[0].Model() != noteModel {
		t.Errorf("result = %v", results[0])
	}
	if !reflect.DeepEqual(bs.backends["default"].removed, []string{"blog.note.1"}) {
		t.Errorf("removed = %v", bs.backends["default"].removed)
	}
	if !reflect.DeepEqual(store.deleted, []string{"1"}) {
		t.Errorf("deleted = %v", store.deleted)
	}

	bs.backends["default"].removeErr = domain.ErrSearch
	results = s.Remove(context.Background(), []string{"blog.note.2"})
	if !errors.Is(results[0].Err(), domain.ErrSearch) {
		t.Errorf("expected ErrSearch, got %v", results[0].Err())
	}
	if len(store.deleted) != 1 {
		t.Error("object deleted although the index removal failed")
	}
}

func TestClear(t *testing.T) {
	bs := newBackends(t, "default", "mirror")
	s := New(bs, toAll("default", "mirror"), nil)

	if err := s.Clear(context.Background(), []model.Model{noteModel}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, alias := range []string{"default", "mirror"} {
		if got := bs.backends[alias].cleared; len(got) != 1 || got[0][0] != noteModel {
			t.Errorf("%s cleared = %v", alias, got)
		}
	}

	s = New(bs, toAll("default", "gone"), nil)
	if err := s.Clear(context.Background(), nil); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
	if err := New(bs, toAll(), nil).Clear(context.Background(), nil); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("expected ErrConfig for no aliases, got %v", err)
	}
}
