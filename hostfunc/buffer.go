package hostfunc

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Buffer is the byte type exchanged with scripts.
type Buffer []byte

func (b Buffer) ToString(encoding string) (string, error) {
	return Encode(b, encoding)
}

func (b Buffer) ToJson() (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// BufferFrom decodes input according to encoding into a Buffer.
func BufferFrom(input []byte, encoding string) (Buffer, error) {
	b, err := Decode(input, encoding)
	return Buffer(b), err
}

// Encode renders b as utf8 (default), hex, base64 or base64url.
func Encode(b []byte, encoding string) (string, error) {
	switch encoding {
	case "", "utf8", "utf-8":
		return string(b), nil
	case "hex":
		return hex.EncodeToString(b), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(b), nil
	case "base64url":
		return base64.URLEncoding.EncodeToString(b), nil
	}
	return "", fmt.Errorf("unsupported encoding: %s", encoding)
}

func Decode(b []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", "utf8", "utf-8":
		return b, nil
	case "hex":
		return hex.DecodeString(string(b))
	case "base64":
		return base64.StdEncoding.DecodeString(string(b))
	case "base64url":
		return base64.URLEncoding.DecodeString(string(b))
	}
	return nil, fmt.Errorf("unsupported encoding: %s", encoding)
}
