package syncdto

import "encoding/json"

// Opt is a JSON field that distinguishes "absent" from "explicitly null" from
// "present". Presence-sensitive session fields (draw offers, rematch state)
// need all three: an update that does not mention the field must not clear it,
// while an explicit null must.
type Opt[T any] struct {
	Defined bool
	Null    bool
	Value   T
}

func Some[T any](v T) Opt[T] {
	return Opt[T]{Defined: true, Value: v}
}

func Null[T any]() Opt[T] {
	return Opt[T]{Defined: true, Null: true}
}

func (o *Opt[T]) UnmarshalJSON(b []byte) error {
	o.Defined = true
	if string(b) == "null" {
		o.Null = true
		return nil
	}
	return json.Unmarshal(b, &o.Value)
}

func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if !o.Defined || o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}
