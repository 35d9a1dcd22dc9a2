package event

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// ErrCodec marks payloads that cannot be encoded, or cached bytes that cannot be
// decoded. Retrying does not help with either.
var ErrCodec = errors.New("payload codec")

// maxNestedLevels is the deepest nesting the decoder accepts. Encode refuses
// anything deeper so that every stored payload can be read back.
const maxNestedLevels = 65535

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("event: cbor enc mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		IntDec:           cbor.IntDecConvertSigned,
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: math.MaxInt32,
		MaxMapPairs:      math.MaxInt32,
		// Go strings may hold any bytes; they must come back as they went in.
		UTF8: cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("event: cbor dec mode: %v", err))
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("event: zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic(fmt.Sprintf("event: zstd decoder: %v", err))
	}
}

// Encode serializes a payload to compressed CBOR. Byte strings stay byte strings,
// so binary data round-trips exactly. Whatever Encode accepts, Decode reads back.
func Encode(p *Payload) ([]byte, error) {
	raw, err := encMode.Marshal(p.ToMap())
	if err != nil {
		return nil, fmt.Errorf("%w: encoding payload: %w", ErrCodec, err)
	}
	if err := decMode.Wellformed(raw); err != nil {
		return nil, fmt.Errorf("%w: payload exceeds decoder limits: %w", ErrCodec, err)
	}
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (*Payload, error) {
	raw, err := zstdDecoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing payload: %w", ErrCodec, err)
	}
	var m map[string]any
	if err := decMode.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %w", ErrCodec, err)
	}
	p, err := FromMap(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCodec, err)
	}
	return p, nil
}
