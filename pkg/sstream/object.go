package sstream

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Object is a JSON object that remembers the order in which its keys
// were first set. encoding/json renders Go maps with sorted keys, which
// would reorder upstream product metadata on republication; Object
// round-trips documents with their key order intact. Nested objects
// decode as *Object, arrays as []any and numbers as json.Number.
//
// Object implements driver.Valuer and sql.Scanner so it can live in a
// TEXT column as serialized JSON.
type Object struct {
	keys   []string
	values map[string]any
}

// NewObject returns an empty ordered object.
func NewObject() *Object {
	return &Object{values: map[string]any{}}
}

// Len returns the number of keys.
func (o Object) Len() int {
	return len(o.keys)
}

// Keys returns the object's keys in insertion order.
func (o Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Get returns the value stored under key.
func (o Object) Get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// GetString returns the string under key, or "" when the key is absent
// or holds a different type.
func (o Object) GetString(key string) string {
	s, _ := o.values[key].(string)
	return s
}

// GetObject returns the nested object under key, or nil.
func (o Object) GetObject(key string) *Object {
	obj, _ := o.values[key].(*Object)
	return obj
}

// Set stores value under key. New keys are appended to the order.
func (o *Object) Set(key string, value any) {
	if o.values == nil {
		o.values = map[string]any{}
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// SetDefault stores value under key only when the key is absent.
func (o *Object) SetDefault(key string, value any) {
	if _, ok := o.values[key]; !ok {
		o.Set(key, value)
	}
}

// Delete removes key and its value.
func (o *Object) Delete(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// StripNulls removes top-level keys whose value is null.
func (o *Object) StripNulls() {
	for _, key := range o.Keys() {
		if o.values[key] == nil {
			o.Delete(key)
		}
	}
}

// Copy returns a deep copy of the object.
func (o Object) Copy() *Object {
	out := NewObject()
	for _, key := range o.keys {
		out.Set(key, copyValue(o.values[key]))
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case *Object:
		return t.Copy()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return t
	}
}

// MarshalJSON renders the object with its keys in insertion order.
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.values[key])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value of %q: %w", key, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses data, which must be a JSON object, preserving
// key order.
func (o *Object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}
	parsed, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*o = *parsed
	return nil
}

// Value serializes the object for storage.
func (o Object) Value() (driver.Value, error) {
	b, err := o.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan loads the object from a TEXT or BLOB column.
func (o *Object) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		*o = *NewObject()
		return nil
	case []byte:
		return o.UnmarshalJSON(t)
	case string:
		return o.UnmarshalJSON([]byte(t))
	default:
		return fmt.Errorf("cannot scan %T into Object", src)
	}
}

func decodeObject(dec *json.Decoder) (*Object, error) {
	obj := NewObject()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", keyTok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		obj.Set(key, value)
	}
	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return obj, nil
}

func decodeArray(dec *json.Decoder) ([]any, error) {
	// Non-nil so empty arrays round-trip as [] rather than null.
	arr := []any{}
	for dec.More() {
		value, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		arr = append(arr, value)
	}
	// Consume the closing bracket.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return arr, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); ok {
		switch d {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", d)
		}
	}
	return tok, nil
}
