package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/query"
)

var noteModel = model.New("core", "note")

func testIndex(t *testing.T) *index.Index {
	t.Helper()
	idx, err := index.New(noteModel,
		index.WithField("text", field.MustNew(field.Text, field.Document(), field.SourceAttr("body"))),
		index.WithField("views", field.MustNew(field.Integer, field.IndexName("views_i"), field.Null())),
		index.WithField("pub_date", field.MustNew(field.DateTime, field.Null())),
		index.WithPrepare("text", func(obj any) (any, error) {
			doc := obj.(*model.Document)
			if doc.Attrs()["draft"] == true {
				return nil, domain.ErrSkipDocument
			}
			return doc.Attrs()["body"], nil
		}),
	)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	return idx
}

func testBase(t *testing.T, silently bool) *Base {
	t.Helper()
	u, err := index.NewUnified(testIndex(t))
	if err != nil {
		t.Fatalf("NewUnified: %v", err)
	}
	return NewBase("test", Options{Alias: "default", SilentlyFail: silently}, u, nil)
}

func TestGuard(t *testing.T) {
	transport := errors.New("connection refused")
	tests := []struct {
		name     string
		silently bool
		err      error
		wantNil  bool
		wantIs   error
	}{
		{"ok", false, nil, true, nil},
		{"transport loud", false, transport, false, domain.ErrSearch},
		{"transport silent", true, transport, true, nil},
		{"field error silent", true, domain.NewFieldError("x", errors.New("bad")), false, domain.ErrField},
		{"mlt silent", true, fmt.Errorf("%w: no seed", domain.ErrMoreLikeThis), false, domain.ErrMoreLikeThis},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBase(t, tt.silently)
			err := b.Guard(context.Background(), "search", func(context.Context) error { return tt.err })
			if tt.wantNil {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantIs) {
				t.Fatalf("expected %v, got %v", tt.wantIs, err)
			}
		})
	}
}

func TestGuard_SearchErrorContext(t *testing.T) {
	b := testBase(t, false)
	err := b.Guard(context.Background(), "update", func(context.Context) error {
		return &domain.HTTPStatusError{StatusCode: 500, Body: "boom"}
	})
	var se *domain.SearchError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SearchError, got %T", err)
	}
	if se.Alias != "default" || se.Engine != "test" || se.Op != "update" {
		t.Errorf("unexpected context %+v", se)
	}
	if !domain.IsStatus(err, 500) {
		t.Error("status should survive wrapping")
	}
}

func TestGuardSearch_SilentReturnsEmpty(t *testing.T) {
	b := testBase(t, true)
	resp, err := b.GuardSearch(context.Background(), "search", func(context.Context) (*query.Response, error) {
		return nil, errors.New("timeout")
	})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if resp.Hits != 0 || len(resp.Results) != 0 {
		t.Errorf("expected empty response, got %+v", resp)
	}
}

func TestEnsureSetup(t *testing.T) {
	b := testBase(t, false)
	calls := 0
	failing := true
	setup := func(context.Context) error {
		calls++
		if failing {
			return errors.New("mapping conflict")
		}
		return nil
	}
	if err := b.EnsureSetup(context.Background(), setup); err == nil {
		t.Fatal("expected setup error")
	}
	failing = false
	for range 3 {
		if err := b.EnsureSetup(context.Background(), setup); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 2 || !b.SetupDone() {
		t.Errorf("setup ran %d times, done=%v", calls, b.SetupDone())
	}
	b.ResetSetup()
	if b.SetupDone() {
		t.Error("ResetSetup did not clear the flag")
	}
}

func TestPrepareDocuments(t *testing.T) {
	b := testBase(t, false)
	objs := []model.Object{
		model.NewDocument(noteModel, "1", map[string]any{"body": "hello", "views": 3}),
		model.NewDocument(noteModel, "2", map[string]any{"body": "draft", "draft": true}),
	}
	docs, err := b.PrepareDocuments(testIndex(t), objs)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	if docs[0]["id"] != "core.note.1" || docs[0]["text"] != "hello" || docs[0]["views_i"] != int64(3) {
		t.Errorf("unexpected document %v", docs[0])
	}
}

func TestBuildResult(t *testing.T) {
	b := testBase(t, false)
	r, ok := b.BuildResult(nil, Hit{
		ContentType: "core.note",
		PK:          "7",
		Score:       1.25,
		Fields: map[string]any{
			"id":        "core.note.7",
			"django_ct": "core.note",
			"django_id": "7",
			"views_i":   float64(12),
			"pub_date":  "2020-02-03T04:05:06Z",
			"extra":     "kept",
		},
	})
	if !ok {
		t.Fatal("registered model rejected")
	}
	if r.PK() != "7" || r.Score() != 1.25 {
		t.Errorf("unexpected result %s %v", r.PK(), r.Score())
	}
	if v, _ := r.Field("views"); v != int64(12) {
		t.Errorf("views = %#v", v)
	}
	if v, _ := r.Field("pub_date"); v != time.Date(2020, 2, 3, 4, 5, 6, 0, time.UTC) {
		t.Errorf("pub_date = %#v", v)
	}
	if _, ok := r.Field("django_ct"); ok {
		t.Error("reserved fields must be dropped")
	}
	if v, _ := r.Field("extra"); v != "kept" {
		t.Errorf("extra = %#v", v)
	}

	if _, ok := b.BuildResult(nil, Hit{ContentType: "core.gone", PK: "1"}); ok {
		t.Error("unregistered model accepted")
	}
	if _, ok := b.BuildResult(nil, Hit{ContentType: "garbage", PK: "1"}); ok {
		t.Error("malformed content type accepted")
	}
}

func TestWindow(t *testing.T) {
	end := 30
	if s, n := Window(&query.SearchParams{StartOffset: 10, EndOffset: &end}, 20); s != 10 || n != 20 {
		t.Errorf("bounded window = %d,%d", s, n)
	}
	if s, n := Window(&query.SearchParams{StartOffset: 5}, 1000); s != 5 || n != 1000 {
		t.Errorf("open window = %d,%d", s, n)
	}
}
