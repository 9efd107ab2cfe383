package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// MarshalString encodes v as JSON text, the representation used for stored payload columns.
func MarshalString(v any) (string, error) {
	return defaultConfig.MarshalToString(v)
}

// UnmarshalString decodes JSON text produced by MarshalString.
func UnmarshalString(data string, v any) error {
	return defaultConfig.UnmarshalFromString(data, v)
}

// Transcode re-shapes a decoded payload (typically map[string]any) into dst by
// round-tripping it through JSON.
func Transcode(src any, dst any) error {
	raw, err := Marshal(src)
	if err != nil {
		return err
	}
	return Unmarshal(raw, dst)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}
