package needle

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/kailas-cloud/needle/internal/domain/field"
)

const tagKey = "needle"

var (
	timeType  = reflect.TypeOf(time.Time{})
	pointType = reflect.TypeOf(field.Point{})
)

// schemaMeta holds parsed struct tag metadata, cached per TypedIndex.
type schemaMeta struct {
	typ    reflect.Type
	pkIdx  int
	fields []fieldMapping
}

type fieldMapping struct {
	structIdx int
	name      string
	fieldType field.Type
	opts      []field.Option
}

// parseSchema reflects on T and extracts needle struct tag metadata.
//
//	type Note struct {
//		ID     int       `needle:"id,pk"`
//		Body   string    `needle:"text,document"`
//		Author string    `needle:"author,faceted"`
//		Views  int       `needle:"views,null,boost=1.5"`
//		Posted time.Time `needle:"pub_date,type=date"`
//	}
func parseSchema[T any]() (*schemaMeta, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("needle: type %v is not a struct: %w", t, ErrConfig)
	}

	meta := &schemaMeta{typ: t, pkIdx: -1}
	for i := range t.NumField() {
		f := t.Field(i)
		tag, ok := f.Tag.Lookup(tagKey)
		if !ok || tag == "-" || !f.IsExported() {
			continue
		}
		if err := meta.applyTag(i, f, tag); err != nil {
			return nil, err
		}
	}
	if meta.pkIdx == -1 {
		return nil, fmt.Errorf("needle: no field with `needle:\"...,pk\"` tag in %s: %w", t, ErrConfig)
	}
	return meta, nil
}

// applyTag processes a single struct field's needle tag.
func (m *schemaMeta) applyTag(idx int, sf reflect.StructField, tag string) error {
	parts := strings.Split(tag, ",")
	name := parts[0]
	if name == "" {
		name = snakeCase(sf.Name)
	}

	fm := fieldMapping{structIdx: idx, name: name}
	pk := false
	for _, mod := range parts[1:] {
		key, val, _ := strings.Cut(strings.TrimSpace(mod), "=")
		switch key {
		case "pk":
			if m.pkIdx != -1 {
				return fmt.Errorf("needle: duplicate pk tag on field %s: %w", sf.Name, ErrConfig)
			}
			m.pkIdx = idx
			pk = true
		case "document":
			fm.opts = append(fm.opts, field.Document())
		case "faceted":
			fm.opts = append(fm.opts, field.Faceted())
		case "null":
			fm.opts = append(fm.opts, field.Null())
		case "unstored":
			fm.opts = append(fm.opts, field.Stored(false))
		case "unindexed":
			fm.opts = append(fm.opts, field.Indexed(false))
		case "type":
			ft, err := field.ParseType(val)
			if err != nil {
				return fmt.Errorf("needle: field %s: %w", sf.Name, err)
			}
			fm.fieldType = ft
		case "boost":
			b, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("needle: field %s: bad boost %q: %w", sf.Name, val, ErrConfig)
			}
			fm.opts = append(fm.opts, field.Boost(b))
		case "analyzer":
			fm.opts = append(fm.opts, field.Analyzer(val))
		case "index_name":
			fm.opts = append(fm.opts, field.IndexName(val))
		case "template":
			fm.opts = append(fm.opts, field.UseTemplate(val))
		default:
			return fmt.Errorf("needle: unknown modifier %q on field %s: %w", key, sf.Name, ErrConfig)
		}
	}
	// A bare pk field is not indexed; its value is the document id.
	if pk && len(parts) == 2 {
		return nil
	}

	if fm.fieldType == "" {
		ft, ok := inferType(sf.Type)
		if !ok {
			return fmt.Errorf("needle: cannot infer field type of %s (%s), use type=: %w", sf.Name, sf.Type, ErrConfig)
		}
		fm.fieldType = ft
	}
	fm.opts = append(fm.opts, field.SourceAttr(name))
	m.fields = append(m.fields, fm)
	return nil
}

func inferType(t reflect.Type) (field.Type, bool) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch {
	case t == timeType:
		return field.DateTime, true
	case t == pointType:
		return field.Location, true
	}
	switch t.Kind() {
	case reflect.String:
		return field.Text, true
	case reflect.Bool:
		return field.Boolean, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return field.Integer, true
	case reflect.Int64, reflect.Uint64:
		return field.Long, true
	case reflect.Float32, reflect.Float64:
		return field.Float, true
	case reflect.Slice, reflect.Array:
		return field.MultiValue, true
	}
	return "", false
}

func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && unicode.IsLower(runes[i-1])
			nextLower := i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// primaryKey formats the pk field of item.
func (m *schemaMeta) primaryKey(v reflect.Value) string {
	return fmt.Sprint(v.Field(m.pkIdx).Interface())
}

// attr returns the struct value of a declared field.
func (m *schemaMeta) attr(v reflect.Value, name string) (any, bool) {
	for _, fm := range m.fields {
		if fm.name == name {
			return v.Field(fm.structIdx).Interface(), true
		}
	}
	return nil, false
}

// fromResult rebuilds a typed struct from the stored fields of a hit.
// Fields the backend did not return keep their zero value.
func (m *schemaMeta) fromResult(pk string, fields map[string]any) reflect.Value {
	v := reflect.New(m.typ).Elem()
	setValue(v.Field(m.pkIdx), pk)
	for _, fm := range m.fields {
		if val, ok := fields[fm.name]; ok {
			setValue(v.Field(fm.structIdx), val)
		}
	}
	return v
}

func setValue(dst reflect.Value, val any) {
	if val == nil {
		return
	}
	if dst.Kind() == reflect.Pointer {
		ptr := reflect.New(dst.Type().Elem())
		setValue(ptr.Elem(), val)
		dst.Set(ptr)
		return
	}
	src := reflect.ValueOf(val)
	switch {
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
	case dst.Kind() == reflect.String:
		dst.SetString(fmt.Sprint(val))
	case dst.Kind() == reflect.Slice && (src.Kind() == reflect.Slice || src.Kind() == reflect.Array):
		out := reflect.MakeSlice(dst.Type(), src.Len(), src.Len())
		for i := range src.Len() {
			setValue(out.Index(i), src.Index(i).Interface())
		}
		dst.Set(out)
	case isNumber(src.Kind()) && isNumber(dst.Kind()):
		dst.Set(src.Convert(dst.Type()))
	case dst.Kind() == reflect.Int || dst.Kind() == reflect.Int64:
		if n, err := strconv.ParseInt(fmt.Sprint(val), 10, 64); err == nil {
			dst.SetInt(n)
		}
	}
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
