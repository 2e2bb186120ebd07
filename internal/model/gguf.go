// SPDX-License-Identifier: MIT

// Package model probes model files for the metadata the guardrail
// planner needs: file size and transformer layer count. GGUF files are
// parsed for real; anything else degrades to size-only metadata.
package model

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// GGUF metadata value types.
const (
	ggufTypeUint8   = 0
	ggufTypeInt8    = 1
	ggufTypeUint16  = 2
	ggufTypeInt16   = 3
	ggufTypeUint32  = 4
	ggufTypeInt32   = 5
	ggufTypeFloat32 = 6
	ggufTypeBool    = 7
	ggufTypeString  = 8
	ggufTypeArray   = 9
	ggufTypeUint64  = 10
	ggufTypeInt64   = 11
	ggufTypeFloat64 = 12
)

const ggufMagic = 0x46554747 // "GGUF" little-endian

// Parser limits. Hostile or corrupt files must not allocate
// unboundedly or loop forever.
const (
	maxMetaPairs  = 1 << 16
	maxKeyLen     = 1 << 16
	maxStringLen  = 1 << 24
	maxArrayDepth = 4
)

var errNotGGUF = errors.New("not a gguf file")

// ggufMeta is what the scan extracts.
type ggufMeta struct {
	Version      uint32
	Architecture string
	BlockCount   int
}

// parseGGUF scans the metadata section for general.architecture and
// the matching <arch>.block_count. The scan stops as soon as both are
// known.
func parseGGUF(r io.Reader) (ggufMeta, error) {
	br := bufio.NewReaderSize(r, 1<<16)

	var header struct {
		Magic       uint32
		Version     uint32
		TensorCount uint64
		MetaCount   uint64
	}
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return ggufMeta{}, errNotGGUF
	}
	if header.Magic != ggufMagic {
		return ggufMeta{}, errNotGGUF
	}

	meta := ggufMeta{Version: header.Version}
	if header.MetaCount > maxMetaPairs {
		return meta, fmt.Errorf("gguf metadata count %d exceeds limit", header.MetaCount)
	}

	// block_count keys are architecture-prefixed. Collect every
	// candidate in case block_count precedes general.architecture.
	blockCounts := map[string]int{}

	for i := uint64(0); i < header.MetaCount; i++ {
		key, err := readGGUFString(br, maxKeyLen)
		if err != nil {
			return meta, fmt.Errorf("gguf key %d: %w", i, err)
		}
		var typ uint32
		if err := binary.Read(br, binary.LittleEndian, &typ); err != nil {
			return meta, fmt.Errorf("gguf value type for %q: %w", key, err)
		}

		switch {
		case key == "general.architecture" && typ == ggufTypeString:
			arch, err := readGGUFString(br, maxStringLen)
			if err != nil {
				return meta, fmt.Errorf("gguf architecture: %w", err)
			}
			meta.Architecture = arch
		case strings.HasSuffix(key, ".block_count"):
			n, err := readGGUFUint(br, typ)
			if err != nil {
				return meta, fmt.Errorf("gguf %s: %w", key, err)
			}
			blockCounts[strings.TrimSuffix(key, ".block_count")] = int(n)
		default:
			if err := skipGGUFValue(br, typ, 0); err != nil {
				return meta, fmt.Errorf("gguf skip %q: %w", key, err)
			}
		}

		if meta.Architecture != "" {
			if n, ok := blockCounts[meta.Architecture]; ok {
				meta.BlockCount = n
				return meta, nil
			}
		}
	}

	// No architecture match; a single unambiguous candidate still
	// counts.
	if meta.BlockCount == 0 && len(blockCounts) == 1 {
		for _, n := range blockCounts {
			meta.BlockCount = n
		}
	}
	return meta, nil
}

func readGGUFString(r io.Reader, limit uint64) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > limit {
		return "", fmt.Errorf("string length %d exceeds limit %d", n, limit)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readGGUFUint reads any integer-typed value as a non-negative count.
func readGGUFUint(r io.Reader, typ uint32) (uint64, error) {
	switch typ {
	case ggufTypeUint8:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufTypeInt8:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(max64(int64(v), 0)), err
	case ggufTypeUint16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufTypeInt16:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(max64(int64(v), 0)), err
	case ggufTypeUint32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufTypeInt32:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(max64(int64(v), 0)), err
	case ggufTypeUint64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt64:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(max64(v, 0)), err
	default:
		return 0, fmt.Errorf("value type %d is not an integer", typ)
	}
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}

// skipGGUFValue discards one metadata value of the given type.
func skipGGUFValue(r *bufio.Reader, typ uint32, depth int) error {
	if depth > maxArrayDepth {
		return fmt.Errorf("array nesting beyond %d", maxArrayDepth)
	}

	var fixed int64
	switch typ {
	case ggufTypeUint8, ggufTypeInt8, ggufTypeBool:
		fixed = 1
	case ggufTypeUint16, ggufTypeInt16:
		fixed = 2
	case ggufTypeUint32, ggufTypeInt32, ggufTypeFloat32:
		fixed = 4
	case ggufTypeUint64, ggufTypeInt64, ggufTypeFloat64:
		fixed = 8
	case ggufTypeString:
		var n uint64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return err
		}
		if n > maxStringLen {
			return fmt.Errorf("string length %d exceeds limit", n)
		}
		_, err := io.CopyN(io.Discard, r, int64(n))
		return err
	case ggufTypeArray:
		var elemType uint32
		if err := binary.Read(r, binary.LittleEndian, &elemType); err != nil {
			return err
		}
		var count uint64
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return err
		}
		for i := uint64(0); i < count; i++ {
			if err := skipGGUFValue(r, elemType, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown value type %d", typ)
	}

	_, err := io.CopyN(io.Discard, r, fixed)
	return err
}
