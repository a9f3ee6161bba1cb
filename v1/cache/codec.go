package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// Codec defines methods for encoding and decoding values kept outside the
// process, in Redis caches and stores.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements Codec using encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GobCodec implements Codec using encoding/gob.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// ParseCodec returns the codec named json or gob. An empty name is json.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "gob":
		return GobCodec{}, nil
	}
	return nil, fmt.Errorf("cache: unknown codec %q", name)
}
