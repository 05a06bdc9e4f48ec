package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecText(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	require.NoError(t, codec.Encode(&buf, &Text{Value: "hello"}))

	decoded, err := codec.Decode(&buf)
	require.NoError(t, err)

	text, ok := decoded.(*Text)
	require.True(t, ok, "expected *Text, got %T", decoded)
	require.Equal(t, "hello", text.Value)
}

func TestCodecStructuredData(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&StructuredData{Fields: map[string]any{
		"one":   "two",
		"three": 4,
		"five":  true,
	}})
	require.NoError(t, err)

	decoded, err := codec.DecodeFromBytes(data)
	require.NoError(t, err)

	sd, ok := decoded.(*StructuredData)
	require.True(t, ok, "expected *StructuredData, got %T", decoded)
	require.Equal(t, "two", sd.Fields["one"])
	require.Equal(t, 4, sd.Fields["three"])
	require.Equal(t, true, sd.Fields["five"])
}

func TestCodecNestedFields(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&StructuredData{Fields: map[string]any{
		"tags": []any{"a", "b"},
		"meta": map[string]any{"depth": 2},
	}})
	require.NoError(t, err)

	decoded, err := codec.DecodeFromBytes(data)
	require.NoError(t, err)

	sd := decoded.(*StructuredData)
	require.Equal(t, []any{"a", "b"}, sd.Fields["tags"])
	require.Equal(t, map[string]any{"depth": 2}, sd.Fields["meta"])
}

func TestCodecResource(t *testing.T) {
	codec := NewCodec()
	contents := []byte("hello there this is random data")

	data, err := codec.EncodeToBytes(&Resource{Name: "txt file", Data: contents})
	require.NoError(t, err)

	decoded, err := codec.DecodeFromBytes(data)
	require.NoError(t, err)

	res, ok := decoded.(*Resource)
	require.True(t, ok, "expected *Resource, got %T", decoded)
	require.Equal(t, "txt file", res.Name)
	require.Equal(t, int64(len(contents)), res.Size())

	read, err := io.ReadAll(res.Open())
	require.NoError(t, err)
	require.Equal(t, contents, read)
}

func TestCodecUndecodable(t *testing.T) {
	codec := NewCodec()

	_, err := codec.DecodeFromBytes([]byte("definitely not gob"))
	require.Error(t, err)
}

func TestPayloadTypeString(t *testing.T) {
	require.Equal(t, "TEXT", PayloadText.String())
	require.Equal(t, "DATA", PayloadData.String())
	require.Equal(t, "RESOURCE", PayloadResource.String())
	require.Equal(t, "UNKNOWN", PayloadType(0xBEEF).String())
}
