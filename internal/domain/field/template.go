package field

import (
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"
)

// TemplateRenderer renders field templates read from fsys with
// text/template. The object is available as {{.object}}; map-backed
// objects expose their attributes, e.g. {{.object.title}}.
type TemplateRenderer struct {
	fsys fs.FS

	mu    sync.Mutex
	cache map[string]*template.Template
}

var _ Renderer = (*TemplateRenderer)(nil)

// NewTemplateRenderer creates a renderer over fsys.
func NewTemplateRenderer(fsys fs.FS) *TemplateRenderer {
	return &TemplateRenderer{fsys: fsys, cache: map[string]*template.Template{}}
}

// Render executes the named template with obj in scope.
func (r *TemplateRenderer) Render(name string, obj any) (string, error) {
	t, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := t.Execute(&sb, map[string]any{"object": templateView(obj)}); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

func (r *TemplateRenderer) lookup(name string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[name]; ok {
		return t, nil
	}
	data, err := fs.ReadFile(r.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	r.cache[name] = t
	return t, nil
}

type attrsHolder interface {
	Attrs() map[string]any
	PrimaryKey() string
}

func templateView(obj any) any {
	h, ok := obj.(attrsHolder)
	if !ok {
		return obj
	}
	view := make(map[string]any, len(h.Attrs())+1)
	for k, v := range h.Attrs() {
		view[k] = v
	}
	view["pk"] = h.PrimaryKey()
	return view
}
