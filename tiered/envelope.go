package tiered

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored values are framed as: format byte, tier byte, payload. The frame is
// written with a single SET so readers never observe a partial entry.
const (
	formatRaw  byte = 'r'
	formatZstd byte = 'z'

	headerLen = 2
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func encodeEntry(value string, tier Tier, compress bool, threshold int) string {
	if compress && len(value) > threshold {
		out := make([]byte, headerLen, headerLen+len(value)/2)
		out[0], out[1] = formatZstd, byte(tier)
		out = zstdEncoder.EncodeAll([]byte(value), out)
		// Incompressible payloads are stored raw.
		if len(out) < headerLen+len(value) {
			return string(out)
		}
	}
	out := make([]byte, 0, headerLen+len(value))
	out = append(out, formatRaw, byte(tier))
	out = append(out, value...)
	return string(out)
}

func decodeEntry(raw string) (string, Tier, error) {
	if len(raw) < headerLen {
		return "", 0, fmt.Errorf("%w: short header", ErrCorruptEntry)
	}
	tier := Tier(raw[1])
	switch raw[0] {
	case formatRaw:
		return raw[headerLen:], tier, nil
	case formatZstd:
		out, err := zstdDecoder.DecodeAll([]byte(raw[headerLen:]), nil)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
		}
		return string(out), tier, nil
	default:
		return "", 0, fmt.Errorf("%w: unknown format %q", ErrCorruptEntry, raw[0])
	}
}
