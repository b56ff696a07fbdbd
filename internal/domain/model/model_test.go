package model

import (
	"errors"
	"testing"

	"github.com/kailas-cloud/needle/internal/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		label   string
		want    Model
		wantErr bool
	}{
		{"blog.note", Model{App: "blog", Name: "note"}, false},
		{"Blog.Note", Model{App: "blog", Name: "note"}, false},
		{"blog", Model{}, true},
		{".note", Model{}, true},
		{"blog.", Model{}, true},
		{"a.b.c", Model{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := Parse(tt.label)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrConfig) {
					t.Fatalf("expected ErrConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIdentifier_MatchesRegex(t *testing.T) {
	objs := []Object{
		NewDocument(New("blog", "note"), "1", nil),
		NewDocument(New("core", "mock_model"), "abc-def", nil),
		NewDocument(New("core", "mock"), "a.b.c", nil),
	}
	for _, o := range objs {
		id := Identifier(o)
		if !IdentifierRe.MatchString(id) {
			t.Errorf("identifier %q does not match", id)
		}
	}
}

func TestParseIdentifier(t *testing.T) {
	m, pk, err := ParseIdentifier("core.mockmodel.10.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.String() != "core.mockmodel" || pk != "10.5" {
		t.Errorf("got %s / %s", m, pk)
	}

	if _, _, err := ParseIdentifier("nope"); !errors.Is(err, domain.ErrField) {
		t.Errorf("expected ErrField, got %v", err)
	}
}

func TestIdentifierOf(t *testing.T) {
	doc := NewDocument(New("blog", "note"), "7", nil)
	if got, _ := IdentifierOf(doc); got != "blog.note.7" {
		t.Errorf("object: got %q", got)
	}
	if got, _ := IdentifierOf("blog.note.7"); got != "blog.note.7" {
		t.Errorf("string: got %q", got)
	}
	if _, err := IdentifierOf(42); err == nil {
		t.Error("expected error for int")
	}
}

func TestLabels_Sorted(t *testing.T) {
	got := Labels([]Model{New("z", "a"), New("a", "z"), New("a", "b")})
	want := []string{"a.b", "a.z", "z.a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestIsReserved(t *testing.T) {
	for _, n := range []string{"id", "django_ct", "django_id"} {
		if !IsReserved(n) {
			t.Errorf("%s should be reserved", n)
		}
	}
	if IsReserved("title") {
		t.Error("title is not reserved")
	}
}
