package server

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// jsonCodec is a connect.Codec over plain Go structs, used instead of
// protojson because the introspection API has no protoc-generated
// proto.Message types to marshal (see DESIGN.md's "Dropped teacher
// dependencies" entry for google.golang.org/protobuf). connect's Codec
// interface takes `any`, not proto.Message, so this is a legitimate,
// supported substitution rather than a workaround.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("server: marshal json: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("server: unmarshal json: %w", err)
	}
	return nil
}

// ClientCodecOption selects the same plain-struct JSON codec server-side
// handlers use (see New), so callers in cmd/tasctl and this package's
// tests can build connect.NewClient instances without access to the
// unexported jsonCodec type.
func ClientCodecOption() connect.ClientOption {
	return connect.WithCodec(jsonCodec{})
}
