package api

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which the CBOR codec is
// registered. Client stubs force it on every call; the server picks it up
// from the registry by name.
const CodecName = "cbor"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec implements grpc/encoding.Codec over CBOR. Core deterministic
// encoding options are not needed here; the default modes match what the
// shim handshake uses.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal: %w", err)
	}

	return data, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal: %w", err)
	}

	return nil
}

func (codec) Name() string {
	return CodecName
}
