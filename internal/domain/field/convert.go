package field

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kailas-cloud/needle/internal/domain"
)

var (
	dateRe     = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2}).*?$`)
	dateTimeRe = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})(?:T|\s+)(\d{2}):(\d{2}):(\d{2}).*?$`)
	compactRe  = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})(\d{2})(\d{2})(\d{2})$`)
)

// Convert parses a backend value into the field's native Go type.
func (f *Field) Convert(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var (
		out any
		err error
	)
	switch f.fieldType {
	case Text, Ngram, EdgeNgram:
		out = convertString(v)
	case Integer, Long:
		out, err = convertInt(v)
	case Float:
		out, err = convertFloat(v)
	case Decimal:
		out = convertDecimal(v)
	case Boolean:
		out, err = convertBool(v)
	case Date:
		out, err = convertTime(v, false)
	case DateTime:
		out, err = convertTime(v, true)
	case Location:
		out, err = ToPoint(v)
	case MultiValue:
		out = toList(v)
	default:
		err = fmt.Errorf("unknown field type %q: %w", f.fieldType, domain.ErrConfig)
	}
	if err != nil {
		return nil, domain.NewFieldError(f.name, err)
	}
	return out, nil
}

func convertString(v any) any {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = convertString(e)
		}
		return out
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

func convertInt(v any) (int64, error) {
	if s, ok := single(v); ok {
		v = s
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return int64(rv.Float()), nil
	case reflect.Bool:
		if rv.Bool() {
			return 1, nil
		}
		return 0, nil
	}
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			if f, ferr := strconv.ParseFloat(strings.TrimSpace(x), 64); ferr == nil {
				return int64(f), nil
			}
			return 0, fmt.Errorf("parse integer %q: %w", x, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}

func convertFloat(v any) (float64, error) {
	if s, ok := single(v); ok {
		v = s
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("parse float %q: %w", x, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("cannot convert %T to float", v)
}

func convertDecimal(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

func convertBool(v any) (bool, error) {
	if s, ok := single(v); ok {
		v = s
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "1", "yes":
			return true, nil
		case "false", "f", "0", "no", "":
			return false, nil
		}
		return false, fmt.Errorf("parse boolean %q", x)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0, nil
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0, nil
	}
	return false, fmt.Errorf("cannot convert %T to boolean", v)
}

func convertTime(v any, withClock bool) (time.Time, error) {
	if s, ok := single(v); ok {
		v = s
	}
	switch x := v.(type) {
	case time.Time:
		if !withClock {
			y, m, d := x.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		return x, nil
	case string:
		return ParseTime(x, withClock)
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to date", v)
}

// ParseTime reads ISO-8601 dates and datetimes as well as the compact
// YYYYMMDDHHMMSS form used by the embedded engines.
func ParseTime(s string, withClock bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if m := compactRe.FindStringSubmatch(s); m != nil {
		return buildTime(m[1:], withClock), nil
	}
	if withClock {
		if m := dateTimeRe.FindStringSubmatch(s); m != nil {
			return buildTime(m[1:], true), nil
		}
		return time.Time{}, fmt.Errorf("%q does not appear to be a valid datetime string", s)
	}
	if m := dateRe.FindStringSubmatch(s); m != nil {
		return buildTime(m[1:4], false), nil
	}
	return time.Time{}, fmt.Errorf("%q does not appear to be a valid date string", s)
}

func buildTime(parts []string, withClock bool) time.Time {
	n := make([]int, 6)
	for i := range parts {
		n[i], _ = strconv.Atoi(parts[i])
	}
	if !withClock {
		n[3], n[4], n[5] = 0, 0, 0
	}
	return time.Date(n[0], time.Month(n[1]), n[2], n[3], n[4], n[5], 0, time.UTC)
}

// single unwraps one-element lists some engines return for scalar fields.
func single(v any) (any, bool) {
	if l, ok := v.([]any); ok && len(l) == 1 {
		return l[0], true
	}
	return nil, false
}
