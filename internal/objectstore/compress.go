package objectstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how an object body is stored. The tag is the
// first byte of every object file.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression accepts "none", "lz4" or "zstd". Empty means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("objectstore: unknown compression %q", name)
	}
}

// headerSize is the tag byte plus the big-endian uncompressed length.
const headerSize = 1 + 4

var errIncompressible = errors.New("objectstore: incompressible")

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("objectstore: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("objectstore: zstd decoder: " + err.Error())
	}
}

// pack frames data with a header, falling back to CompressionNone when
// the body does not shrink.
func pack(data []byte, c Compression) ([]byte, error) {
	body, err := compress(data, c)
	if errors.Is(err, errIncompressible) {
		c, body, err = CompressionNone, data, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(body))
	out[0] = byte(c)
	binary.BigEndian.PutUint32(out[1:], uint32(len(data)))
	return append(out, body...), nil
}

func unpack(framed []byte) ([]byte, error) {
	if len(framed) < headerSize {
		return nil, fmt.Errorf("objectstore: short object (%d bytes)", len(framed))
	}
	c := Compression(framed[0])
	size := int(binary.BigEndian.Uint32(framed[1:headerSize]))
	body := framed[headerSize:]

	switch c {
	case CompressionNone:
		if len(body) != size {
			return nil, fmt.Errorf("objectstore: size %d does not match header %d", len(body), size)
		}
		return body, nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("objectstore: lz4: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("objectstore: lz4 got %d bytes, want %d", n, size)
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("objectstore: zstd: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("objectstore: zstd got %d bytes, want %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("objectstore: unsupported compression tag %d", uint8(c))
	}
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("objectstore: lz4: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("objectstore: unsupported compression %s", c)
	}
}
