package bencode

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Marshal converts a Go value into its canonical bencoded form using
// struct tags of the form `bencode:"key,omitempty"`, the same tag
// convention the krpc package's Msg/MsgArgs structs use. It supports the
// concrete shapes KRPC messages need: structs, maps, slices, strings,
// []byte, integers and bools (encoded as 0/1 integers, matching BEP 43's
// compact "ro"/"noseed" flags).
func Marshal(x interface{}) ([]byte, error) {
	v, err := toValue(reflect.ValueOf(x))
	if err != nil {
		return nil, err
	}
	return Encode(v), nil
}

// Unmarshal decodes a bencoded buffer into x, the reflective inverse of
// Marshal.
func Unmarshal(buf []byte, x interface{}) error {
	val, err := Decode(buf)
	if err != nil {
		return err
	}
	return UnmarshalValue(val, x)
}

// UnmarshalValue populates x from an already-decoded Value tree.
func UnmarshalValue(val *Value, x interface{}) error {
	rv := reflect.ValueOf(x)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("bencode: Unmarshal target must be a non-nil pointer")
	}
	return fromValue(val, rv.Elem())
}

type tagInfo struct {
	name     string
	omitempt bool
	ignore   bool
}

func parseTag(f reflect.StructField) tagInfo {
	tag := f.Tag.Get("bencode")
	if tag == "" {
		return tagInfo{name: f.Name}
	}
	if tag == "-" {
		return tagInfo{ignore: true}
	}
	parts := strings.Split(tag, ",")
	info := tagInfo{name: parts[0]}
	if info.name == "" {
		info.name = f.Name
	}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			info.omitempt = true
		}
	}
	return info
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String, reflect.Array, reflect.Slice, reflect.Map:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	}
	return false
}

var valueType = reflect.TypeOf(Value{})

func toValue(rv reflect.Value) (*Value, error) {
	if rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, fmt.Errorf("bencode: cannot encode nil pointer")
		}
		return toValue(rv.Elem())
	}
	// A *Value/Value field (e.g. the BEP-44 "v" argument) is already a
	// decoded bencode tree; embed it as-is instead of reflecting over its
	// own Kind/Int/Str/List/Keys/Vals fields as if it were an ordinary
	// struct.
	if rv.Type() == valueType {
		v := rv.Interface().(Value)
		return &v, nil
	}

	switch rv.Kind() {
	case reflect.String:
		return NewString([]byte(rv.String())), nil
	case reflect.Bool:
		if rv.Bool() {
			return NewInt(1), nil
		}
		return NewInt(0), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return NewInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return NewInt(int64(rv.Uint())), nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return NewString(b), nil
		}
		list := NewList()
		for i := 0; i < rv.Len(); i++ {
			elem, err := toValue(rv.Index(i))
			if err != nil {
				return nil, err
			}
			list.Append(elem)
		}
		return list, nil
	case reflect.Map:
		d := NewDict()
		keys := rv.MapKeys()
		names := make([]string, len(keys))
		idx := map[string]reflect.Value{}
		for i, k := range keys {
			names[i] = fmt.Sprint(k.Interface())
			idx[names[i]] = rv.MapIndex(k)
		}
		sort.Strings(names)
		for _, name := range names {
			elem, err := toValue(idx[name])
			if err != nil {
				return nil, err
			}
			d.Set(name, elem)
		}
		return d, nil
	case reflect.Struct:
		d := NewDict()
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue // unexported
			}
			info := parseTag(f)
			if info.ignore {
				continue
			}
			fv := rv.Field(i)
			if info.omitempt && isEmptyValue(fv) {
				continue
			}
			if fv.Kind() == reflect.Ptr && fv.IsNil() {
				continue
			}
			elem, err := toValue(fv)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			d.Set(info.name, elem)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("bencode: unsupported kind %s", rv.Kind())
	}
}

func fromValue(val *Value, rv reflect.Value) error {
	if val == nil {
		return fmt.Errorf("bencode: nil value")
	}
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return fromValue(val, rv.Elem())
	}
	if rv.Type() == valueType {
		rv.Set(reflect.ValueOf(*val))
		return nil
	}

	switch rv.Kind() {
	case reflect.String:
		if val.Kind != String {
			return fmt.Errorf("bencode: expected string, got kind %d", val.Kind)
		}
		rv.SetString(string(val.Str))
		return nil
	case reflect.Bool:
		if val.Kind != Integer {
			return fmt.Errorf("bencode: expected integer for bool, got kind %d", val.Kind)
		}
		rv.SetBool(val.Int != 0)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if val.Kind != Integer {
			return fmt.Errorf("bencode: expected integer, got kind %d", val.Kind)
		}
		rv.SetInt(val.Int)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if val.Kind != Integer {
			return fmt.Errorf("bencode: expected integer, got kind %d", val.Kind)
		}
		rv.SetUint(uint64(val.Int))
		return nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if val.Kind != String {
				return fmt.Errorf("bencode: expected string for byte slice, got kind %d", val.Kind)
			}
			if rv.Kind() == reflect.Array {
				if len(val.Str) != rv.Len() {
					return fmt.Errorf("bencode: expected %d bytes, got %d", rv.Len(), len(val.Str))
				}
				reflect.Copy(rv, reflect.ValueOf(val.Str))
				return nil
			}
			b := make([]byte, len(val.Str))
			copy(b, val.Str)
			rv.SetBytes(b)
			return nil
		}
		if val.Kind != List {
			return fmt.Errorf("bencode: expected list, got kind %d", val.Kind)
		}
		out := reflect.MakeSlice(rv.Type(), len(val.List), len(val.List))
		for i, e := range val.List {
			if err := fromValue(e, out.Index(i)); err != nil {
				return err
			}
		}
		rv.Set(out)
		return nil
	case reflect.Struct:
		if val.Kind != Dict {
			return fmt.Errorf("bencode: expected dict, got kind %d", val.Kind)
		}
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			info := parseTag(f)
			if info.ignore {
				continue
			}
			elem := val.Get(info.name)
			if elem == nil {
				continue
			}
			if err := fromValue(elem, rv.Field(i)); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("bencode: unsupported kind %s", rv.Kind())
	}
}
