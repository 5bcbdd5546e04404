package bencode

import (
	"fmt"
	"io"
	"reflect"
	"strings"
)

// Marshal encodes v (a struct, map, slice, or primitive) to its canonical
// bencode form using "bencode" struct tags, the same convention the
// teacher's metainfo type uses ("bencode:\"info\"").
func Marshal(v interface{}) ([]byte, error) {
	val, err := marshalToValue(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return Encode(val), nil
}

func marshalToValue(rv reflect.Value) (Value, error) {
	if rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return Value{}, fmt.Errorf("bencode: cannot marshal nil")
		}
		return marshalToValue(rv.Elem())
	}
	if rm, ok := rv.Interface().(RawMessage); ok {
		v, n, err := Decode(rm)
		if err != nil {
			return Value{}, err
		}
		if n != len(rm) {
			return Value{}, ErrTrailingGarbage
		}
		return v, nil
	}
	switch rv.Kind() {
	case reflect.String:
		return Str(rv.String()), nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return Value{Kind: KindString, Str: b}, nil
		}
		items := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := marshalToValue(rv.Index(i))
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{Kind: KindList, List: items}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Int(int64(rv.Uint())), nil
	case reflect.Struct:
		return marshalStruct(rv)
	case reflect.Map:
		return marshalMap(rv)
	default:
		return Value{}, fmt.Errorf("bencode: unsupported kind %s", rv.Kind())
	}
}

func marshalStruct(rv reflect.Value) (Value, error) {
	t := rv.Type()
	var entries []DictEntry
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		tag := f.Tag.Get("bencode")
		name, opts := parseTag(tag)
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fv := rv.Field(i)
		if opts["omitempty"] && isEmptyValue(fv) {
			continue
		}
		v, err := marshalToValue(fv)
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, DictEntry{Key: name, Value: v})
	}
	return Value{Kind: KindDict, Dict: entries}, nil
}

func marshalMap(rv reflect.Value) (Value, error) {
	var entries []DictEntry
	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key()
		if k.Kind() != reflect.String {
			return Value{}, fmt.Errorf("bencode: map key must be string")
		}
		v, err := marshalToValue(iter.Value())
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, DictEntry{Key: k.String(), Value: v})
	}
	return Value{Kind: KindDict, Dict: entries}, nil
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return v.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func parseTag(tag string) (string, map[string]bool) {
	parts := strings.Split(tag, ",")
	opts := make(map[string]bool, len(parts)-1)
	for _, o := range parts[1:] {
		opts[o] = true
	}
	if len(parts) == 0 {
		return "", opts
	}
	return parts[0], opts
}

// Unmarshal decodes bencode data into v, which must be a non-nil pointer.
func Unmarshal(data []byte, v interface{}) error {
	val, n, err := Decode(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return ErrTrailingGarbage
	}
	return unmarshalValue(val, reflect.ValueOf(v))
}

// Decoder decodes a bencode value read from a stream.
type Decoder struct {
	r io.Reader
}

// NewDecoder returns a Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the rest of the stream, decodes it as one bencode value and
// stores it in v; bytes after that value are an error.
func (d *Decoder) Decode(v interface{}) error {
	b, err := io.ReadAll(d.r)
	if err != nil {
		return err
	}
	return Unmarshal(b, v)
}

func unmarshalValue(src Value, rv reflect.Value) error {
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("bencode: Unmarshal target must be a non-nil pointer")
	}
	elem := rv.Elem()
	if _, ok := elem.Interface().(RawMessage); ok {
		elem.Set(reflect.ValueOf(RawMessage(Encode(src))))
		return nil
	}
	switch elem.Kind() {
	case reflect.String:
		if src.Kind != KindString {
			return fmt.Errorf("bencode: expected string")
		}
		elem.SetString(string(src.Str))
	case reflect.Slice:
		if elem.Type().Elem().Kind() == reflect.Uint8 {
			if src.Kind != KindString {
				return fmt.Errorf("bencode: expected string")
			}
			b := make([]byte, len(src.Str))
			copy(b, src.Str)
			elem.SetBytes(b)
			return nil
		}
		if src.Kind != KindList {
			return fmt.Errorf("bencode: expected list")
		}
		s := reflect.MakeSlice(elem.Type(), len(src.List), len(src.List))
		for i, item := range src.List {
			if err := unmarshalValue(item, s.Index(i).Addr()); err != nil {
				return err
			}
		}
		elem.Set(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if src.Kind != KindInt {
			return fmt.Errorf("bencode: expected integer")
		}
		elem.SetInt(src.Int)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if src.Kind != KindInt {
			return fmt.Errorf("bencode: expected integer")
		}
		elem.SetUint(uint64(src.Int))
	case reflect.Struct:
		if src.Kind != KindDict {
			return fmt.Errorf("bencode: expected dict")
		}
		return unmarshalStruct(src, elem)
	case reflect.Map:
		if src.Kind != KindDict {
			return fmt.Errorf("bencode: expected dict")
		}
		m := reflect.MakeMapWithSize(elem.Type(), len(src.Dict))
		for _, e := range src.Dict {
			vv := reflect.New(elem.Type().Elem())
			if err := unmarshalValue(e.Value, vv); err != nil {
				return err
			}
			m.SetMapIndex(reflect.ValueOf(e.Key), vv.Elem())
		}
		elem.Set(m)
	default:
		return fmt.Errorf("bencode: unsupported kind %s", elem.Kind())
	}
	return nil
}

func unmarshalStruct(src Value, rv reflect.Value) error {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		tag := f.Tag.Get("bencode")
		name, _ := parseTag(tag)
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		entryVal, ok := src.Get(name)
		if !ok {
			continue
		}
		if err := unmarshalValue(entryVal, rv.Field(i).Addr()); err != nil {
			return fmt.Errorf("bencode: field %s: %w", f.Name, err)
		}
	}
	return nil
}
