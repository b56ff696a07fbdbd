package needle

import (
	"reflect"
	"testing"
	"time"
)

type convertTarget struct {
	ID     string    `needle:"id,pk"`
	Title  string    `needle:"title,document"`
	Count  int       `needle:"count"`
	Ratio  float32   `needle:"ratio"`
	Tags   []string  `needle:"tags"`
	When   time.Time `needle:"when"`
	Parent *int      `needle:"parent,null"`
	Label  string    `needle:"label"`
}

func TestFromResult(t *testing.T) {
	meta, err := parseSchema[convertTarget]()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	when := time.Date(2009, 2, 10, 1, 59, 0, 0, time.UTC)
	v := meta.fromResult("42", map[string]any{
		"title":  "hello",
		"count":  int64(7),
		"ratio":  0.5,
		"tags":   []any{"a", "b"},
		"when":   when,
		"parent": int64(3),
		"label":  12,
	})
	got := v.Interface().(convertTarget)

	if got.ID != "42" || got.Title != "hello" || got.Count != 7 || got.Ratio != 0.5 {
		t.Errorf("scalars = %+v", got)
	}
	if !reflect.DeepEqual(got.Tags, []string{"a", "b"}) {
		t.Errorf("tags = %v", got.Tags)
	}
	if !got.When.Equal(when) {
		t.Errorf("when = %v", got.When)
	}
	if got.Parent == nil || *got.Parent != 3 {
		t.Errorf("parent = %v", got.Parent)
	}
	if got.Label != "12" {
		t.Errorf("label = %q", got.Label)
	}
}

func TestFromResult_MissingFieldsStayZero(t *testing.T) {
	meta, err := parseSchema[convertTarget]()
	if err != nil {
		t.Fatal(err)
	}
	got := meta.fromResult("1", map[string]any{"count": nil}).Interface().(convertTarget)
	if got.Count != 0 || got.Parent != nil || got.Tags != nil {
		t.Errorf("got = %+v", got)
	}
}

func TestSetValue_IntFromString(t *testing.T) {
	var n int64
	setValue(reflect.ValueOf(&n).Elem(), "17")
	if n != 17 {
		t.Errorf("n = %d, want 17", n)
	}
	var pk int
	setValue(reflect.ValueOf(&pk).Elem(), "x")
	if pk != 0 {
		t.Errorf("pk = %d, want 0 for a non-numeric string", pk)
	}
}

func TestInferType(t *testing.T) {
	tests := []struct {
		v    any
		want FieldType
	}{
		{"", Text},
		{true, Boolean},
		{int32(1), Integer},
		{int64(1), Long},
		{1.5, Float},
		{[]string{}, MultiValue},
		{time.Time{}, DateTime},
		{Point{}, Location},
	}
	for _, tt := range tests {
		got, ok := inferType(reflect.TypeOf(tt.v))
		if !ok || got != tt.want {
			t.Errorf("inferType(%T) = %q, %v, want %q", tt.v, got, ok, tt.want)
		}
	}
	if _, ok := inferType(reflect.TypeOf(map[string]int{})); ok {
		t.Error("maps should not infer a type")
	}
}

func TestSnakeCase(t *testing.T) {
	for in, want := range map[string]string{
		"PubDate": "pub_date", "views": "views", "ID": "id", "HTTPServer": "http_server",
	} {
		if got := snakeCase(in); got != want {
			t.Errorf("snakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
