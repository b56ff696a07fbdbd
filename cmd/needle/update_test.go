package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/kailas-cloud/needle"
)

func TestReadObjects_Chunks(t *testing.T) {
	in := strings.NewReader(`{"id": 1, "text": "hello"}

{"id": "2", "text": "world"}
{"id": 3, "text": "again"}
`)
	m := needle.NewModel("blog", "note")

	var sizes []int
	var pks []string
	err := readObjects(in, m, "id", 2, func(objs []needle.Object) error {
		sizes = append(sizes, len(objs))
		for _, o := range objs {
			if o.ModelType() != m {
				t.Errorf("model = %v", o.ModelType())
			}
			pks = append(pks, o.PrimaryKey())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("readObjects: %v", err)
	}
	if len(sizes) != 2 || sizes[0] != 2 || sizes[1] != 1 {
		t.Errorf("chunk sizes = %v, want [2 1]", sizes)
	}
	if strings.Join(pks, ",") != "1,2,3" {
		t.Errorf("pks = %v", pks)
	}
}

func TestReadObjects_Errors(t *testing.T) {
	m := needle.NewModel("blog", "note")
	noop := func([]needle.Object) error { return nil }

	err := readObjects(strings.NewReader(`{"text": "no id"}`), m, "id", 10, noop)
	if !errors.Is(err, needle.ErrField) {
		t.Errorf("missing pk: got %v, want ErrField", err)
	}

	err = readObjects(strings.NewReader("{not json"), m, "id", 10, noop)
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("bad json: got %v", err)
	}

	stop := errors.New("stop")
	err = readObjects(strings.NewReader(`{"id": 1}`), m, "id", 1, func([]needle.Object) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("callback error: got %v", err)
	}
}

func TestCommands_Registered(t *testing.T) {
	want := map[string]bool{"serve": false, "schema": false, "setup": false, "update": false,
		"remove": false, "clear": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}
