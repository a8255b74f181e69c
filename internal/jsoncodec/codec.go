// Package jsoncodec lets connect carry plain Go structs as JSON.
package jsoncodec

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// Codec marshals messages with encoding/json. It registers under the
// "json" name so it replaces connect's protobuf-only JSON codec.
type Codec struct{}

var _ connect.Codec = Codec{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("jsoncodec: marshal %T: %w", msg, err)
	}
	return b, nil
}

func (Codec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("jsoncodec: unmarshal %T: %w", msg, err)
	}
	return nil
}

// Option installs the codec on a connect handler or client.
func Option() connect.Option {
	return connect.WithCodec(Codec{})
}
