// Package codec serializes side-channel messages to bytes for stream and
// pub/sub transports.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Names lists the codecs accepted by ByName.
var Names = []string{"msgpack", "json", "cbor", "protostruct"}

// ByName returns the codec registered under name. An empty name selects
// msgpack, the default for transports.
func ByName[V any](name string) (Codec[V], error) {
	switch name {
	case "", "msgpack":
		return Msgpack[V]{}, nil
	case "json":
		return JSON[V]{}, nil
	case "cbor":
		return NewCBOR[V](false)
	case "protostruct":
		return ProtoStruct[V]{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q (want one of %v)", name, Names)
	}
}
