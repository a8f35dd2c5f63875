package queue

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder serializes job envelopes and payloads.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder encodes with the standard library and decodes with sonic.
// Decoding dominates on the worker side, which is where sonic pays off.
type JSONEncoder struct{}

func (*JSONEncoder) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (*JSONEncoder) Decode(data []byte, v any) error { return sonic.Unmarshal(data, v) }
