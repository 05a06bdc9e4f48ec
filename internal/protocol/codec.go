package protocol

import (
	"bytes"
	"encoding/gob"
	"io"
)

func init() {
	gob.Register(&Text{})
	gob.Register(&StructuredData{})
	gob.Register(&Resource{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, p Payload) error {
	return gob.NewEncoder(w).Encode(&p)
}

func (c *Codec) Decode(r io.Reader) (Payload, error) {
	var p Payload
	if err := gob.NewDecoder(r).Decode(&p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Codec) EncodeToBytes(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Payload, error) {
	return c.Decode(bytes.NewReader(data))
}
