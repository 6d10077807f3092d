package record

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mitranim/refut"
)

var (
	timeType    = reflect.TypeOf(time.Time{})
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

// time layouts tried for text columns, sqlite keeps dates as text
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// As returns column value converted to T. Supports strings, byte slices, integers, floats, bools,
// time.Time, sql.Scanner implementations and pointers to any of them. NULL gives zero T.
func As[T any](r Record, name string) (res T, err error) {
	v, err := r.Get(name)
	if err != nil {
		return res, err
	}
	if err := assign(reflect.ValueOf(&res).Elem(), v); err != nil {
		return res, fmt.Errorf("column %s: %w", name, err)
	}
	return res, nil
}

// Scan fills struct pointed by dest from record columns matching `db` field tags.
// Fields without tag or without matching column are left untouched.
func (r Record) Scan(dest any) error {
	rval := reflect.ValueOf(dest)
	if rval.Kind() != reflect.Pointer || rval.IsNil() {
		return fmt.Errorf("can't scan into %T, non-nil struct pointer expected", dest)
	}
	if refut.RtypeDeref(rval.Type()).Kind() != reflect.Struct {
		return fmt.Errorf("can't scan into %T, not a struct", dest)
	}

	return refut.TraverseStructRval(rval.Elem(), func(field reflect.Value, sfield reflect.StructField, _ []int) error {
		col := refut.TagIdent(sfield.Tag.Get("db"))
		if col == "" {
			return nil
		}
		i, ok := r.index[col]
		if !ok {
			return nil
		}
		if err := assign(field, r.values[i]); err != nil {
			return fmt.Errorf("can't scan column %s into field %s: %w", col, sfield.Name, err)
		}
		return nil
	})
}

// StructMap makes column map from `db` tagged fields of a struct or struct pointer.
// Pointer fields are dereferenced, nil pointers mapped to nil.
func StructMap(v any) (map[string]any, error) {
	rval := reflect.ValueOf(v)
	if !rval.IsValid() || refut.RtypeDeref(rval.Type()).Kind() != reflect.Struct {
		return nil, fmt.Errorf("can't map %T, struct expected", v)
	}
	if refut.IsRvalNil(rval) {
		return nil, errors.New("can't map nil struct pointer")
	}

	res := map[string]any{}
	err := refut.TraverseStructRval(reflect.Indirect(rval), func(field reflect.Value, sfield reflect.StructField, _ []int) error {
		col := refut.TagIdent(sfield.Tag.Get("db"))
		if col == "" {
			return nil
		}
		switch {
		case field.Kind() == reflect.Pointer && field.IsNil():
			res[col] = nil
		case field.Kind() == reflect.Pointer:
			res[col] = field.Elem().Interface()
		default:
			res[col] = field.Interface()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("can't traverse %T: %w", v, err)
	}
	return res, nil
}

// assign sets dst from a driver value, converting between compatible kinds
func assign(dst reflect.Value, src any) error {
	if !dst.CanSet() {
		return fmt.Errorf("can't set %s", dst.Type())
	}

	if dst.CanAddr() && dst.Addr().Type().Implements(scannerType) {
		return dst.Addr().Interface().(sql.Scanner).Scan(src)
	}

	if src == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(dst.Type()) {
		if b, ok := src.([]byte); ok {
			dst.Set(reflect.ValueOf(append([]byte(nil), b...)))
			return nil
		}
		dst.Set(sv)
		return nil
	}

	if dst.Kind() == reflect.Pointer {
		ptr := reflect.New(dst.Type().Elem())
		if err := assign(ptr.Elem(), src); err != nil {
			return err
		}
		dst.Set(ptr)
		return nil
	}

	if dst.Type() == timeType {
		t, err := parseTime(src)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		switch s := src.(type) {
		case []byte:
			dst.SetString(string(s))
		case time.Time:
			dst.SetString(s.Format(time.RFC3339Nano))
		default:
			dst.SetString(fmt.Sprint(src))
		}
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt(sv)
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetInt(n)
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := toInt(sv)
		if err != nil {
			return err
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetUint(uint64(n))
		return nil

	case reflect.Float32, reflect.Float64:
		f, err := toFloat(sv)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil

	case reflect.Bool:
		b, err := toBool(sv)
		if err != nil {
			return err
		}
		dst.SetBool(b)
		return nil

	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			if s, ok := src.(string); ok {
				dst.SetBytes([]byte(s))
				return nil
			}
		}
	}

	return fmt.Errorf("can't convert %T to %s", src, dst.Type())
}

func toInt(v reflect.Value) (int64, error) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v.Uint() > 1<<63-1 {
			return 0, fmt.Errorf("value %d overflows int64", v.Uint())
		}
		return int64(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != float64(int64(f)) {
			return 0, fmt.Errorf("value %v is not an integer", f)
		}
		return int64(f), nil
	case reflect.Bool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	case reflect.String:
		return strconv.ParseInt(v.String(), 10, 64)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return strconv.ParseInt(string(v.Bytes()), 10, 64)
		}
	}
	return 0, fmt.Errorf("can't convert %s to integer", v.Type())
}

func toFloat(v reflect.Value) (float64, error) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), nil
	case reflect.String:
		return strconv.ParseFloat(v.String(), 64)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return strconv.ParseFloat(string(v.Bytes()), 64)
		}
	}
	return 0, fmt.Errorf("can't convert %s to float", v.Type())
}

func toBool(v reflect.Value) (bool, error) {
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0, nil
	case reflect.String:
		return strconv.ParseBool(v.String())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return strconv.ParseBool(string(v.Bytes()))
		}
	}
	return false, fmt.Errorf("can't convert %s to bool", v.Type())
}

func parseTime(src any) (time.Time, error) {
	var s string
	switch v := src.(type) {
	case time.Time:
		return v, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	case int64:
		return time.Unix(v, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("can't convert %T to time", src)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("can't parse time %q", s)
}
