package cache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/nfrund/chatsync/internal/domain"
)

// Snapshots are CBOR with core deterministic encoding, compressed with zstd.
// The same stream always produces the same bytes.
var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Message order depends on sub-second timestamps.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(entry domain.CacheEntry) ([]byte, error) {
	raw, err := encMode.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decodeEntry(blob []byte) (domain.CacheEntry, error) {
	var entry domain.CacheEntry
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return entry, fmt.Errorf("decompress cache entry: %w", err)
	}
	if err := decMode.Unmarshal(raw, &entry); err != nil {
		return entry, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, nil
}
