package field

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/kailas-cloud/needle/internal/domain"
)

// LookupSep separates relation hops in a source attribute path.
const LookupSep = "__"

// Renderer renders a named template with obj in scope.
type Renderer interface {
	Render(name string, obj any) (string, error)
}

// Attributer resolves attributes by name without reflection.
type Attributer interface {
	SearchAttr(name string) (any, bool)
}

// Prepare reads the field value from obj.
func (f *Field) Prepare(obj any, r Renderer) (any, error) {
	if f.useTemplate {
		if r == nil {
			return nil, domain.NewFieldError(f.name, errors.New("template rendering requested without a renderer"))
		}
		s, err := r.Render(f.templateName, obj)
		if err != nil {
			return nil, domain.NewFieldError(f.name, fmt.Errorf("render %s: %w", f.templateName, err))
		}
		return f.prepareValue(s)
	}
	if f.sourceAttr != "" {
		values, err := f.resolve([]any{obj}, strings.Split(f.sourceAttr, LookupSep))
		if err != nil {
			return nil, err
		}
		switch len(values) {
		case 0:
		case 1:
			return f.prepareValue(values[0])
		default:
			return f.prepareValue(values)
		}
	}
	if f.hasDefault {
		return f.prepareValue(f.def)
	}
	return nil, nil
}

// prepareValue coerces a resolved attribute into the shape sent to the backend.
func (f *Field) prepareValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.fieldType {
	case Date, DateTime:
		return v, nil
	case MultiValue:
		return toList(v), nil
	case Location:
		p, err := ToPoint(v)
		if err != nil {
			return nil, domain.NewFieldError(f.name, err)
		}
		return p, nil
	}
	out, err := f.Convert(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Field) resolve(objs []any, attrs []string) ([]any, error) {
	var values []any
	for _, obj := range objs {
		current, ok, err := lookupAttr(obj, attrs[0])
		if err != nil {
			return nil, domain.NewFieldError(f.name, err)
		}
		if !ok {
			return nil, domain.NewFieldError(f.name,
				fmt.Errorf("%T does not have a source attr %q", obj, attrs[0]))
		}
		if len(attrs) > 1 {
			// A nil relation ends the walk like a nil leaf does.
			if isNilRef(current) {
				v, err := f.onNil()
				if err != nil {
					return nil, err
				}
				values = append(values, v)
				continue
			}
			nested, err := f.resolve(iterable(current), attrs[1:])
			if err != nil {
				return nil, err
			}
			values = append(values, nested...)
			continue
		}
		if isNil(current) {
			v, err := f.onNil()
			if err != nil {
				return nil, err
			}
			current = v
		}
		values = append(values, deref(current))
	}
	return values, nil
}

// onNil substitutes the default, then null, for a hop that returned nil.
func (f *Field) onNil() (any, error) {
	switch {
	case f.hasDefault:
		return f.def, nil
	case f.null:
		return nil, nil
	}
	return nil, domain.NewFieldError(f.name,
		fmt.Errorf("source attr %q returned nil but the field allows neither a default nor null", f.sourceAttr))
}

// deref follows pointers to scalar values; pointers to structs stay intact.
func deref(v any) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() != reflect.Struct {
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return v
	}
	return rv.Interface()
}

// lookupAttr reads name from v: Attributer, string keyed maps, struct fields
// (by `needle` tag or case-insensitive name) and zero-argument methods.
func lookupAttr(v any, name string) (any, bool, error) {
	if a, ok := v.(Attributer); ok {
		if out, found := a.SearchAttr(name); found {
			out, err := call(out)
			return out, true, err
		}
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, false, nil
	}
	if m, ok := findMethod(rv, name); ok {
		out, err := invoke(m)
		return out, true, err
	}
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false, nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false, nil
		}
		mv := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, false, nil
		}
		out, err := call(mv.Interface())
		return out, true, err
	case reflect.Struct:
		t := rv.Type()
		for i := range t.NumField() {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			tagName, _, _ := strings.Cut(sf.Tag.Get("needle"), ",")
			if tagName == name || matchName(sf.Name, name) {
				out, err := call(rv.Field(i).Interface())
				return out, true, err
			}
		}
	}
	return nil, false, nil
}

func findMethod(rv reflect.Value, name string) (reflect.Value, bool) {
	t := rv.Type()
	for i := range t.NumMethod() {
		m := t.Method(i)
		if matchName(m.Name, name) && m.Type.NumIn() == 1 {
			return rv.Method(i), true
		}
	}
	return reflect.Value{}, false
}

// matchName compares a Go identifier with a snake_case attribute name.
func matchName(goName, attr string) bool {
	return strings.EqualFold(goName, strings.ReplaceAll(attr, "_", ""))
}

func invoke(m reflect.Value) (any, error) {
	out := m.Call(nil)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		if errV := out[len(out)-1]; errV.Type().Implements(reflect.TypeFor[error]()) && !errV.IsNil() {
			return nil, errV.Interface().(error)
		}
		return out[0].Interface(), nil
	}
}

// call invokes zero-argument funcs and returns every other value unchanged.
func call(v any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Func && !rv.IsNil() && rv.Type().NumIn() == 0 {
		return invoke(rv)
	}
	return v, nil
}

type collection interface {
	All() []any
}

// iterable expands relation hops: collections with All(), slices and single values.
func iterable(v any) []any {
	if isNil(v) {
		return nil
	}
	if c, ok := v.(collection); ok {
		return c.All()
	}
	rv := reflect.ValueOf(v)
	if m := rv.MethodByName("All"); m.IsValid() && m.Type().NumIn() == 0 && m.Type().NumOut() >= 1 {
		if out, err := invoke(m); err == nil {
			return iterable(out)
		}
	}
	if (rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8) || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}

// isNilRef is isNil without slices and maps: an empty relation collection is
// not a missing one.
func isNilRef(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func:
		return rv.IsNil()
	}
	return false
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func:
		return rv.IsNil()
	}
	return false
}

func toList(v any) []any {
	if s, ok := v.(string); ok {
		return []any{s}
	}
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8) || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}
