package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes envelopes for a port.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default wire format.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// cborEncMode uses Core Deterministic Encoding so the same envelope always yields the same bytes.
var cborEncMode cbor.EncMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
}

// CBORCodec is a compact alternative for NATS ports. Payloads stay JSON inside the CBOR frame.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }
func (CBORCodec) Marshal(v any) ([]byte, error) { return cborEncMode.Marshal(v) }
func (CBORCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

// CodecByName resolves a codec from configuration.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	}
	return nil, fmt.Errorf("%s - unknown wire codec %q", logPrefix, name)
}

// Encode serializes e after checking it.
func Encode(codec Codec, e *Envelope) ([]byte, error) {
	if err := Check(e); err != nil {
		return nil, err
	}
	data, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode %s: %w", logPrefix, e, err)
	}
	return data, nil
}
