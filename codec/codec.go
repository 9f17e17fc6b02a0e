package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Frame tags prefix every encoded payload.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// DefaultCompressThreshold is the encoded size above which payloads are zstd compressed.
const DefaultCompressThreshold = 4096

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Canonical encodes v with Core Deterministic Encoding and no framing.
// Same logical value always yields identical bytes.
func Canonical(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Codec frames CBOR payloads and compresses the large ones.
type Codec struct {
	threshold int
}

type Option func(*Codec)

// WithCompressThreshold sets the size in bytes above which payloads are compressed.
// A negative value disables compression.
func WithCompressThreshold(n int) Option {
	return func(c *Codec) {
		c.threshold = n
	}
}

func New(opts ...Option) *Codec {
	c := &Codec{threshold: DefaultCompressThreshold}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Marshal encodes v to a framed payload.
func (c *Codec) Marshal(v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	threshold := DefaultCompressThreshold
	if c != nil {
		threshold = c.threshold
	}
	if threshold >= 0 && len(body) > threshold {
		compressed := zstdEncoder.EncodeAll(body, make([]byte, 1, len(body)/2+1))
		// keep raw when zstd does not help
		if len(compressed) < len(body)+1 {
			compressed[0] = frameZstd
			return compressed, nil
		}
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, frameRaw)
	return append(out, body...), nil
}

// Unmarshal decodes a framed payload into v.
func (c *Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("codec: empty payload")
	}
	body := data[1:]
	switch data[0] {
	case frameRaw:
	case frameZstd:
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("codec: zstd decompress: %w", err)
		}
		body = decoded
	default:
		return fmt.Errorf("codec: unknown frame tag 0x%02x", data[0])
	}
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("codec: decode: %w", err)
	}
	return nil
}

// IsCompressed reports whether data carries a zstd frame.
func IsCompressed(data []byte) bool {
	return len(data) > 0 && data[0] == frameZstd
}
