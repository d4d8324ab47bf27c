// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm used for a
// snapshot payload. The tag is the first byte of the plaintext inside
// the encrypted blob. These values are format constants — changing
// them breaks existing databases.
type CompressionTag uint8

const (
	// CompressionNone indicates uncompressed data. Used when the
	// snapshot does not shrink under compression (small snapshots are
	// mostly CBOR structure).
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression. Fast with a
	// modest ratio; chosen when zstd's win over it is marginal.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd at the default level. Message
	// text compresses well; this is the common case for any snapshot
	// with real history in it.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// payloadHeaderSize is the plaintext framing before the (possibly
// compressed) snapshot bytes: 1 tag byte + 4 bytes little-endian
// uncompressed size.
const payloadHeaderSize = 1 + 4

// errIncompressible is returned by compression functions when the
// compressed output is not smaller than the input. The caller falls
// back to CompressionNone.
var errIncompressible = fmt.Errorf("data is incompressible")

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. zstd.Encoder and zstd.Decoder are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// encodePayload frames and compresses encoded snapshot bytes:
//
//	[Tag: 1 byte] [UncompressedSize: 4 bytes LE] [payload]
//
// The algorithm is chosen by probing: zstd when it clearly wins, lz4
// when the zstd ratio is marginal, raw bytes otherwise.
func encodePayload(data []byte) ([]byte, error) {
	if len(data) > maxSnapshotSize {
		return nil, fmt.Errorf("snapshot is %d bytes, exceeds maximum %d", len(data), maxSnapshotSize)
	}

	tag := selectCompression(data)
	compressed, err := compress(data, tag)
	if err != nil {
		if err == errIncompressible {
			tag = CompressionNone
			compressed = data
		} else {
			return nil, err
		}
	}

	output := make([]byte, payloadHeaderSize+len(compressed))
	output[0] = byte(tag)
	binary.LittleEndian.PutUint32(output[1:payloadHeaderSize], uint32(len(data)))
	copy(output[payloadHeaderSize:], compressed)
	return output, nil
}

// decodePayload reverses encodePayload, verifying the declared
// uncompressed size exactly.
func decodePayload(payload []byte) ([]byte, error) {
	if len(payload) < payloadHeaderSize {
		return nil, fmt.Errorf("payload is %d bytes, minimum is %d (tag + size)", len(payload), payloadHeaderSize)
	}

	tag := CompressionTag(payload[0])
	uncompressedSize := int(binary.LittleEndian.Uint32(payload[1:payloadHeaderSize]))
	if uncompressedSize > maxSnapshotSize {
		return nil, fmt.Errorf("payload declares %d uncompressed bytes, exceeds maximum %d", uncompressedSize, maxSnapshotSize)
	}
	body := payload[payloadHeaderSize:]

	switch tag {
	case CompressionNone:
		if len(body) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match declared %d", len(body), uncompressedSize)
		}
		return body, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case CompressionZstd:
		destination := make([]byte, 0, uncompressedSize)
		result, err := zstdDecoder.DecodeAll(body, destination)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 when it determines the data is
		// incompressible.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// selectCompression probes the data with zstd and picks by ratio:
// a clear win selects zstd, a marginal win selects lz4 (faster), and
// anything below that is stored raw.
func selectCompression(data []byte) CompressionTag {
	if len(data) == 0 {
		return CompressionNone
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))

	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}
