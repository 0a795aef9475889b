package protocol

import "github.com/vmihailenco/msgpack/v5"

// MarshalMsgpack encodes a value to msgpack bytes.
func MarshalMsgpack(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// UnmarshalMsgpack decodes msgpack bytes into a value.
func UnmarshalMsgpack(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
