// Package serializer provides the one concrete pipemux.Serializer this
// repository ships: a thin encoding/json wrapper. JSON avoids the
// unsafe polymorphic deserialization that a gob-style type registry
// would reintroduce.
package serializer

import "encoding/json"

// JSON implements pipemux.Serializer over encoding/json.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
