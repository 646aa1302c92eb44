// Package protocol defines the side-channel messages exchanged between a
// blobcache instance and its durable-store collaborator.
//
// The exchange is request/response over an asynchronous duplex channel. The
// cache key is the correlation id: a response carries the key of the request
// it answers. Availability and reset messages carry no key.
//
//	cache -> store   availability-check {}
//	store -> cache   availability-ack   {}
//	cache -> store   lookup             {key}
//	store -> cache   found              {key, location, metadata}
//	store -> cache   not-found          {key}
//	store -> cache   lookup-error       {key, error}
//	cache -> store   upload             {key, content, mimeType, metadata}
//	store -> cache   upload-ok          {key, location, metadata}
//	store -> cache   upload-error       {key, error}
//	cache -> store   reset              {}
//	store -> cache   reset-ok | reset-error
package protocol

import "fmt"

// Type names a message kind on the wire.
type Type string

const (
	TypeAvailabilityCheck Type = "availability-check"
	TypeAvailabilityAck   Type = "availability-ack"
	TypeLookup            Type = "lookup"
	TypeFound             Type = "found"
	TypeNotFound          Type = "not-found"
	TypeLookupError       Type = "lookup-error"
	TypeUpload            Type = "upload"
	TypeUploadOK          Type = "upload-ok"
	TypeUploadError       Type = "upload-error"
	TypeReset             Type = "reset"
	TypeResetOK           Type = "reset-ok"
	TypeResetError        Type = "reset-error"
)

var codes = [...]Type{
	TypeAvailabilityCheck,
	TypeAvailabilityAck,
	TypeLookup,
	TypeFound,
	TypeNotFound,
	TypeLookupError,
	TypeUpload,
	TypeUploadOK,
	TypeUploadError,
	TypeReset,
	TypeResetOK,
	TypeResetError,
}

// Code returns the compact numeric code used by binary framings, or 0 for
// an unknown type.
func (t Type) Code() byte {
	for i, c := range codes {
		if c == t {
			return byte(i + 1)
		}
	}
	return 0
}

// TypeFromCode is the inverse of Type.Code.
func TypeFromCode(c byte) (Type, bool) {
	if c == 0 || int(c) > len(codes) {
		return "", false
	}
	return codes[c-1], true
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool { return t.Code() != 0 }

// Message is one side-channel signal. Fields not used by a Type are empty.
//
// Content travels as raw bytes; text codecs (JSON, protobuf struct) carry it
// base64-encoded.
type Message struct {
	Type     Type           `json:"type" msgpack:"type" cbor:"type"`
	Key      string         `json:"key,omitempty" msgpack:"key,omitempty" cbor:"key,omitempty"`
	Location string         `json:"location,omitempty" msgpack:"location,omitempty" cbor:"location,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty" cbor:"metadata,omitempty"`
	Content  []byte         `json:"content,omitempty" msgpack:"content,omitempty" cbor:"content,omitempty"`
	MimeType string         `json:"mimeType,omitempty" msgpack:"mimeType,omitempty" cbor:"mimeType,omitempty"`
	Error    string         `json:"error,omitempty" msgpack:"error,omitempty" cbor:"error,omitempty"`
}

func (m Message) String() string {
	if m.Key == "" {
		return string(m.Type)
	}
	return fmt.Sprintf("%s{key=%s}", m.Type, m.Key)
}

// Reply builds a response of type t correlated to m.
func (m Message) Reply(t Type) Message {
	return Message{Type: t, Key: m.Key}
}
