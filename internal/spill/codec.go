// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package spill

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects payload compression for spill segments.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecLZ4
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a configuration string to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "raw":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return CodecNone, fmt.Errorf("unknown spill codec %q", s)
	}
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll
// calls, so one of each is shared by every Manager in the process.
var (
	zstdEncoder     *zstd.Encoder
	zstdEncoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
	zstdDecoderOnce sync.Once
)

func getZstdEncoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil,
			zstd.WithZeroFrames(true),
			zstd.WithEncoderLevel(zstd.SpeedFastest),
		)
	})
	return zstdEncoder
}

func getZstdDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdDecoder
}

// compress returns the encoded payload and the codec actually used. Data
// that does not shrink is stored raw.
func (c Codec) compress(src []byte) ([]byte, Codec, error) {
	switch c {
	case CodecNone:
		return src, CodecNone, nil
	case CodecZstd:
		out := getZstdEncoder().EncodeAll(src, make([]byte, 0, len(src)/2))
		if len(out) >= len(src) {
			return src, CodecNone, nil
		}
		return out, CodecZstd, nil
	case CodecLZ4:
		out := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, out, nil)
		if err != nil {
			return nil, CodecNone, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(src) {
			return src, CodecNone, nil
		}
		return out[:n], CodecLZ4, nil
	default:
		return nil, CodecNone, fmt.Errorf("unsupported codec %s", c)
	}
}

func (c Codec) decompress(src []byte, rawLen int) ([]byte, error) {
	switch c {
	case CodecNone:
		return src, nil
	case CodecZstd:
		return getZstdDecoder().DecodeAll(src, make([]byte, 0, rawLen))
	case CodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(src, out)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", c)
	}
}
