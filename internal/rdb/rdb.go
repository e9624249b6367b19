// Package rdb loads the legacy snapshot file format into a store.Store.
//
// This project only reads snapshot files; it never writes one. The
// loader accepts the opcodes a real RDB file may carry (AUX fields,
// RESIZEDB hints, the two expire variants, SELECTDB, EOF), but only
// string values, so a snapshot holding other value types is rejected.
package rdb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dstainton/redisd/internal/store"
)

// Opcodes per the RDB file format.
const (
	opAux          = 0xFA
	opResizeDB     = 0xFB
	opExpireTimeMS = 0xFC
	opExpireTime   = 0xFD
	opSelectDB     = 0xFE
	opEOF          = 0xFF
)

// ErrMalformed wraps any structural problem found while parsing a
// snapshot file.
var ErrMalformed = errors.New("rdb: malformed snapshot")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Load reads the snapshot at path into s. A missing file is not an
// error: a freshly provisioned master has nothing to load yet.
func Load(path string, s *store.Store) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return decode(bufio.NewReader(f), s)
}

func decode(r io.Reader, s *store.Store) error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return malformed("short header: %v", err)
	}
	if string(header[:5]) != "REDIS" {
		return malformed("bad magic %q", header[:5])
	}

	var pendingExpire *time.Time
	for {
		opcode, err := readByte(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch opcode {
		case opEOF:
			return nil

		case opSelectDB:
			if _, _, err := readLength(r); err != nil {
				return err
			}

		case opResizeDB:
			tableSize, _, err := readLength(r)
			if err != nil {
				return err
			}
			if _, _, err := readLength(r); err != nil { // expires table size
				return err
			}
			s.Reserve(int(tableSize))

		case opAux:
			if _, err := readString(r); err != nil {
				return err
			}
			if _, err := readString(r); err != nil {
				return err
			}

		case opExpireTime:
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return malformed("truncated EXPIRETIME: %v", err)
			}
			t := time.Unix(int64(binary.LittleEndian.Uint32(buf[:])), 0)
			pendingExpire = &t

		case opExpireTimeMS:
			var buf [8]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return malformed("truncated EXPIRETIMEMS: %v", err)
			}
			ms := int64(binary.LittleEndian.Uint64(buf[:]))
			t := time.UnixMilli(ms)
			pendingExpire = &t

		default:
			// opcode doubles as the value-type byte of a key/value pair.
			if err := readKeyValue(r, opcode, pendingExpire, s); err != nil {
				return err
			}
			pendingExpire = nil
		}
	}
}

// valueTypeString is the only value-type byte this loader understands;
// anything else is rejected rather than silently dropped.
const valueTypeString = 0x00

func readKeyValue(r io.Reader, valueType byte, expireAt *time.Time, s *store.Store) error {
	if valueType != valueTypeString {
		return malformed("unsupported value type 0x%02x", valueType)
	}
	key, err := readString(r)
	if err != nil {
		return err
	}
	value, err := readString(r)
	if err != nil {
		return err
	}
	s.Set(key, store.StringValue([]byte(value)), expireAt)
	return nil
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// readLength decodes the two-bit length-prefix scheme: 00 -> 6-bit
// length in the low bits, 01 -> 14-bit length spanning two bytes, 10 ->
// a following 4-byte big-endian length, 11 -> a special encoding whose
// kind is the low 6 bits (returned via isSpecial).
func readLength(r io.Reader) (length uint32, isSpecial bool, err error) {
	first, err := readByte(r)
	if err != nil {
		return 0, false, malformed("truncated length: %v", err)
	}
	switch first >> 6 {
	case 0b00:
		return uint32(first & 0x3F), false, nil
	case 0b01:
		second, err := readByte(r)
		if err != nil {
			return 0, false, malformed("truncated 14-bit length: %v", err)
		}
		return (uint32(first&0x3F) << 8) | uint32(second), false, nil
	case 0b10:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, false, malformed("truncated 32-bit length: %v", err)
		}
		return binary.BigEndian.Uint32(buf[:]), false, nil
	default: // 0b11
		return uint32(first & 0x3F), true, nil
	}
}

// readString decodes a length-prefixed string, including the special
// integer encodings (8/16/32-bit signed integers stored as their
// decimal text form).
func readString(r io.Reader) (string, error) {
	length, special, err := readLength(r)
	if err != nil {
		return "", err
	}
	if special {
		switch length {
		case 0:
			b, err := readByte(r)
			if err != nil {
				return "", malformed("truncated int8 string: %v", err)
			}
			return strconv.FormatInt(int64(int8(b)), 10), nil
		case 1:
			var buf [2]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return "", malformed("truncated int16 string: %v", err)
			}
			return strconv.FormatInt(int64(int16(binary.LittleEndian.Uint16(buf[:]))), 10), nil
		case 2:
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return "", malformed("truncated int32 string: %v", err)
			}
			return strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(buf[:]))), 10), nil
		default:
			return "", malformed("unsupported special string encoding %d", length)
		}
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", malformed("truncated string body: %v", err)
	}
	return string(buf), nil
}
