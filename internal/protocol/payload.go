// Package protocol defines the payloads exchanged between peers over
// the transport's raw message primitive, and the codec that frames them.
package protocol

import (
	"bytes"
	"io"
)

type PayloadType uint16

const (
	PayloadText     PayloadType = 0x0001
	PayloadData     PayloadType = 0x0002
	PayloadResource PayloadType = 0x0003
)

func (t PayloadType) String() string {
	switch t {
	case PayloadText:
		return "TEXT"
	case PayloadData:
		return "DATA"
	case PayloadResource:
		return "RESOURCE"
	default:
		return "UNKNOWN"
	}
}

// Payload is the closed union of everything that rides over the raw
// message channel. Subscribers dispatch with an exhaustive type switch;
// there is no open registration of new payload shapes.
type Payload interface {
	Type() PayloadType
}

// Text is a plain string payload.
type Text struct {
	Value string
}

func (Text) Type() PayloadType { return PayloadText }

// StructuredData carries a string-keyed mapping of scalar or nested
// values. Keys, values, and value types survive the round trip intact.
type StructuredData struct {
	Fields map[string]any
}

func (StructuredData) Type() PayloadType { return PayloadData }

// Resource is a named file-like payload transferred as a unit. The
// receiver's copy stays valid for as long as the receiver holds it.
type Resource struct {
	Name string
	Data []byte
}

func (Resource) Type() PayloadType { return PayloadResource }

// Open returns a fresh reader over the resource content.
func (r Resource) Open() io.Reader {
	return bytes.NewReader(r.Data)
}

func (r Resource) Size() int64 {
	return int64(len(r.Data))
}
