package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/codewandler/eventvault-go/core/event"
)

// FieldCodec names the codec of the event field. Entries without it are JSON.
const FieldCodec = "codec"

// Codec encodes the event field of a stream entry. Encoded values must be
// valid UTF-8 text: dead-letter sinks copy fields into JSON documents.
type Codec interface {
	Name() string
	Encode(e event.StoredEvent) (string, error)
	Decode(s string, e *event.StoredEvent) error
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// CodecByName returns the codec for name; "" is JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", JSON.Name():
		return JSON, nil
	case CBOR.Name():
		return CBOR, nil
	}
	return nil, event.NewLookupError("codec", name, []string{JSON.Name(), CBOR.Name()})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(e event.StoredEvent) (string, error) {
	raw, err := json.Marshal(e)
	return string(raw), err
}

func (jsonCodec) Decode(s string, e *event.StoredEvent) error {
	return json.Unmarshal([]byte(s), e)
}

// cborCodec writes base64 encoded CBOR. Times keep nanoseconds.
type cborCodec struct {
	enc cbor.EncMode
}

func newCBORCodec() cborCodec {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
	return cborCodec{enc: em}
}

func (cborCodec) Name() string { return "cbor" }

func (c cborCodec) Encode(e event.StoredEvent) (string, error) {
	raw, err := c.enc.Marshal(e)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (cborCodec) Decode(s string, e *event.StoredEvent) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(raw, e)
}
