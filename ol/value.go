package ol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

type Kind uint8

const (
	KindString Kind = iota + 1
	KindNumber
	KindBool
)

// Value is a tagged attribute value: a string, a number or a boolean.
type Value struct {
	Kind Kind    `cbor:"1,keyasint"`
	Str  string  `cbor:"2,keyasint,omitempty"`
	Num  float64 `cbor:"3,keyasint,omitempty"`
	Bool bool    `cbor:"4,keyasint,omitempty"`
}

func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }

func (v Value) AsString() (string, bool) { return v.Str, v.Kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.Num, v.Kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.Bool, v.Kind == KindBool }

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	}
	return "<invalid>"
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	}
	return nil, fmt.Errorf("marshal attribute value: unknown kind %d", v.Kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case string:
		*v = String(x)
	case float64:
		*v = Number(x)
	case bool:
		*v = Bool(x)
	default:
		return fmt.Errorf("attribute value must be a string, number or boolean, got %s", data)
	}
	return nil
}

type Attribute struct {
	Key   string `cbor:"1,keyasint"`
	Value Value  `cbor:"2,keyasint"`
}

// Attributes is an ordered mapping kept sorted by key so that equal
// mappings always encode to the same bytes.
type Attributes []Attribute

// Attrs builds Attributes from a map.
func Attrs(kv map[string]Value) Attributes {
	if len(kv) == 0 {
		return nil
	}
	out := make(Attributes, 0, len(kv))
	for k, v := range kv {
		out = append(out, Attribute{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (a Attributes) search(key string) int {
	return sort.Search(len(a), func(i int) bool { return a[i].Key >= key })
}

func (a Attributes) Get(key string) (Value, bool) {
	i := a.search(key)
	if i < len(a) && a[i].Key == key {
		return a[i].Value, true
	}
	return Value{}, false
}

func (a *Attributes) Set(key string, v Value) {
	i := a.search(key)
	if i < len(*a) && (*a)[i].Key == key {
		(*a)[i].Value = v
		return
	}
	*a = append(*a, Attribute{})
	copy((*a)[i+1:], (*a)[i:])
	(*a)[i] = Attribute{Key: key, Value: v}
}

func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	copy(out, a)
	return out
}

func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	m := make(map[string]Value, len(a))
	for _, attr := range a {
		m[attr.Key] = attr.Value
	}
	return json.Marshal(m)
}

func (a *Attributes) UnmarshalJSON(data []byte) error {
	var m map[string]Value
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*a = Attrs(m)
	return nil
}
