// Package wire is the coordinator/worker protocol: a versioned CBOR
// envelope carried in length-prefixed frames over TCP.
package wire

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("wire: cbor decoder: " + err.Error())
	}
}

// Marshal encodes v with deterministic CBOR.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR. Untyped maps decode as map[string]any and
// integers as int64.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdErr  error

	decMu    sync.Mutex
	decoders = map[uint64]*zstd.Decoder{}
)

func encoder() (*zstd.Encoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEnc, zstdErr
}

// decoder returns a shared decoder that refuses to inflate past limit
// bytes. A limit of zero means unbounded.
func decoder(limit uint64) (*zstd.Decoder, error) {
	decMu.Lock()
	defer decMu.Unlock()
	if dec, ok := decoders[limit]; ok {
		return dec, nil
	}
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if limit > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(limit))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, err
	}
	decoders[limit] = dec
	return dec, nil
}

func compress(data []byte) ([]byte, error) {
	enc, err := encoder()
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func decompress(data []byte, limit int) ([]byte, error) {
	var bound uint64
	if limit > 0 {
		bound = uint64(limit)
	}
	dec, err := decoder(bound)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, fmt.Errorf("%w: decompressed size exceeds %d bytes", ErrFrameTooLarge, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	if limit > 0 && len(out) > limit {
		return nil, fmt.Errorf("%w: decompressed %d bytes", ErrFrameTooLarge, len(out))
	}
	return out, nil
}
