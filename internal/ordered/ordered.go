// Package ordered implements a JSON object that remembers key insertion
// order, for the handful of places in the image-reassembly pipeline where
// byte-stable output depends on a specific (non-alphabetical) key order
// that encoding/json's map handling cannot preserve.
package ordered

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Object is an ordered set of JSON key/value pairs. The zero value is an
// empty object ready to use.
type Object struct {
	keys []string
	vals map[string]json.RawMessage
}

// New returns an empty Object.
func New() *Object {
	return &Object{vals: map[string]json.RawMessage{}}
}

// Set assigns value (marshaled to JSON) to key. If key already exists its
// value is overwritten in place, without moving its position; otherwise
// the key is appended at the end. This mirrors Python's
// collections.OrderedDict.update semantics used by the original tool this
// pipeline is modeled on.
func (o *Object) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ordered: marshaling value for key %q: %w", key, err)
	}
	return o.SetRaw(key, raw)
}

// SetRaw is Set for an already-encoded JSON value.
func (o *Object) SetRaw(key string, raw json.RawMessage) error {
	if o.vals == nil {
		o.vals = map[string]json.RawMessage{}
	}
	if _, ok := o.vals[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = raw
	return nil
}

// Delete removes key if present; a no-op otherwise.
func (o *Object) Delete(key string) {
	if _, ok := o.vals[key]; !ok {
		return
	}
	delete(o.vals, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Has reports whether key is present.
func (o *Object) Has(key string) bool {
	_, ok := o.vals[key]
	return ok
}

// Keys returns the keys in their current order. The caller must not
// mutate the returned slice.
func (o *Object) Keys() []string {
	return o.keys
}

// Clone returns a deep-enough copy (key order and raw values are copied;
// the raw JSON bytes themselves are shared, which is safe since they are
// never mutated in place).
func (o *Object) Clone() *Object {
	c := New()
	c.keys = append([]string(nil), o.keys...)
	for k, v := range o.vals {
		c.vals[k] = v
	}
	return c
}

// Update merges other into o: keys already present in o have their value
// overwritten without moving position; keys not present in o are appended
// in other's order. This is the Go equivalent of Python's
// OrderedDict.update.
func (o *Object) Update(other *Object) {
	for _, k := range other.keys {
		_ = o.SetRaw(k, other.vals[k])
	}
}

// MarshalJSON emits a compact object (no whitespace) with keys in
// insertion order, matching the "separators are ',' and ':'" canonical
// JSON requirement.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(o.vals[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode parses data (a JSON object) into a new Object, preserving the
// source key order. It is a thin wrapper over json.Decoder's token stream
// since encoding/json's map-based Unmarshal does not preserve order.
func Decode(data []byte) (*Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil, fmt.Errorf("ordered: expected JSON object, got %v", tok)
	}
	o := New()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("ordered: expected string key, got %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("ordered: decoding value for key %q: %w", key, err)
		}
		if err := o.SetRaw(key, raw); err != nil {
			return nil, err
		}
	}
	if _, err := dec.Token(); err != nil { // consume closing '}'
		return nil, err
	}
	return o, nil
}
