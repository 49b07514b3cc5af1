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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

// Segment layout:
//
//	"ESMQ" | uvarint header length | CBOR header | payload
//
// The checksum covers the stored (possibly compressed) payload.
var segmentMagic = []byte("ESMQ")

const segmentVersion = 1

// maxRawLen rejects headers that would make decompression allocate
// unreasonable amounts of memory.
const maxRawLen = 1 << 34

type segmentHeader struct {
	Version   uint8  `cbor:"1,keyasint"`
	Codec     Codec  `cbor:"2,keyasint"`
	RawLen    uint64 `cbor:"3,keyasint"`
	StoredLen uint64 `cbor:"4,keyasint"`
	Checksum  uint64 `cbor:"5,keyasint"`
}

var (
	headerEncMode cbor.EncMode
	headerDecMode cbor.DecMode
)

func init() {
	var err error
	headerEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("failed to create CBOR encoder: %w", err))
	}
	headerDecMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic(fmt.Errorf("failed to create CBOR decoder: %w", err))
	}
}

// encodeSegment frames data with the given codec.
func encodeSegment(codec Codec, data []byte) ([]byte, error) {
	payload, used, err := codec.compress(data)
	if err != nil {
		return nil, err
	}
	hdr, err := headerEncMode.Marshal(segmentHeader{
		Version:   segmentVersion,
		Codec:     used,
		RawLen:    uint64(len(data)),
		StoredLen: uint64(len(payload)),
		Checksum:  xxhash.Sum64(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("encode segment header: %w", err)
	}
	out := make([]byte, 0, len(segmentMagic)+binary.MaxVarintLen64+len(hdr)+len(payload))
	out = append(out, segmentMagic...)
	out = binary.AppendUvarint(out, uint64(len(hdr)))
	out = append(out, hdr...)
	out = append(out, payload...)
	return out, nil
}

// decodeSegment validates a frame and returns the original bytes. Every
// failure is reported as a plain error; the caller classifies it as
// corruption.
func decodeSegment(frame []byte) ([]byte, error) {
	if !bytes.HasPrefix(frame, segmentMagic) {
		return nil, fmt.Errorf("bad magic")
	}
	rest := frame[len(segmentMagic):]
	hlen, n := binary.Uvarint(rest)
	if n <= 0 || hlen > uint64(len(rest)-n) {
		return nil, fmt.Errorf("bad header length")
	}
	rest = rest[n:]

	var hdr segmentHeader
	if err := headerDecMode.Unmarshal(rest[:hlen], &hdr); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Version != segmentVersion {
		return nil, fmt.Errorf("unsupported segment version %d", hdr.Version)
	}
	if hdr.RawLen > maxRawLen {
		return nil, fmt.Errorf("raw length %d out of range", hdr.RawLen)
	}
	payload := rest[hlen:]
	if uint64(len(payload)) != hdr.StoredLen {
		return nil, fmt.Errorf("stored length %d, read %d", hdr.StoredLen, len(payload))
	}
	if sum := xxhash.Sum64(payload); sum != hdr.Checksum {
		return nil, fmt.Errorf("checksum mismatch: want %016x, got %016x", hdr.Checksum, sum)
	}
	data, err := hdr.Codec.decompress(payload, int(hdr.RawLen))
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", hdr.Codec, err)
	}
	if uint64(len(data)) != hdr.RawLen {
		return nil, fmt.Errorf("raw length %d, decoded %d", hdr.RawLen, len(data))
	}
	return data, nil
}
