package store

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Value codec tags. Every stored payload carries one leading tag byte so the
// format can evolve without rewriting existing data.
const (
	codecRaw  byte = 0x00
	codecZstd byte = 0x01
)

// compressor packs payload blobs for storage, applying zstd above a size
// threshold. Encoders and decoders are pooled; the block API avoids
// streaming overhead for the small values this store sees.
type compressor struct {
	threshold   int
	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newCompressor(threshold int) *compressor {
	return &compressor{threshold: threshold}
}

func (c *compressor) encoder() *zstd.Encoder {
	if enc, ok := c.encoderPool.Get().(*zstd.Encoder); ok {
		return enc
	}
	enc, _ := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1))
	return enc
}

func (c *compressor) decoder() *zstd.Decoder {
	if dec, ok := c.decoderPool.Get().(*zstd.Decoder); ok {
		return dec
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// pack returns the value with a codec tag prepended. Values under the
// threshold, and values zstd fails to shrink, stay raw.
func (c *compressor) pack(val []byte) []byte {
	if c.threshold <= 0 || len(val) < c.threshold {
		return append([]byte{codecRaw}, val...)
	}

	enc := c.encoder()
	defer c.encoderPool.Put(enc)
	packed := enc.EncodeAll(val, []byte{codecZstd})
	if len(packed) >= len(val)+1 {
		return append([]byte{codecRaw}, val...)
	}
	return packed
}

// unpack reverses pack. The result never aliases the input, so it is safe
// to hold past an iterator step.
func (c *compressor) unpack(val []byte) ([]byte, error) {
	if len(val) == 0 {
		return nil, fmt.Errorf("empty stored value")
	}
	switch val[0] {
	case codecRaw:
		out := make([]byte, len(val)-1)
		copy(out, val[1:])
		return out, nil
	case codecZstd:
		dec := c.decoder()
		defer c.decoderPool.Put(dec)
		out, err := dec.DecodeAll(val[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress stored value: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown value codec 0x%02x", val[0])
	}
}
