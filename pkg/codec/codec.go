// Package codec provides the frame encodings a session can speak.
//
// JSON is the default and is sent as WebSocket text frames.
// CBOR is offered for services that accept binary frames;
// it reuses the `json` struct tags of the frame types, so both codecs
// produce the same logical frame.
package codec

import (
	"bytes"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec is the serialize/parse pair a session uses for frames.
// Binary reports whether encoded frames must be written as binary messages.
type Codec interface {
	Marshaler
	Unmarshaler
	Binary() bool
}

// JSON encodes frames as JSON text.
type JSON struct{}

var _ Codec = JSON{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (JSON) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func (JSON) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

func (JSON) Binary() bool { return false }

var mapStringAnyType = reflect.TypeOf(map[string]any(nil))

// CBOR encodes frames as CBOR binary messages.
type CBOR struct {
	em cbor.EncMode
	dm cbor.DecMode
}

var _ Codec = (*CBOR)(nil)

func NewCBOR() (*CBOR, error) {
	em, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{DefaultMapType: mapStringAnyType}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBOR{em: em, dm: dm}, nil
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.em.Marshal(v)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dm.Unmarshal(data, dst)
}

func (c *CBOR) NewEncoder(w io.Writer) Encoder {
	return c.em.NewEncoder(w)
}

func (c *CBOR) NewDecoder(r io.Reader) Decoder {
	return c.dm.NewDecoder(r)
}

func (c *CBOR) Binary() bool { return true }

// Transcode re-encodes a generically decoded value into dst using c.
// Frames are first decoded into `any`, then narrowed with Transcode
// once the caller knows the concrete type.
func Transcode(c Codec, src, dst any) error {
	var buf bytes.Buffer
	if err := c.NewEncoder(&buf).Encode(src); err != nil {
		return err
	}
	return c.Unmarshal(buf.Bytes(), dst)
}

// ByName returns the codec registered under name ("json" or "cbor").
func ByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSON{}, true
	case "cbor":
		c, err := NewCBOR()
		if err != nil {
			return nil, false
		}
		return c, true
	}
	return nil, false
}
