// Package signalid gives every signal a compact, self-checking identity.
//
// The id survives round trips through the state document and the audit
// journal, so it carries a CRC16 suffix that lets a loader reject corrupt or
// truncated keys instead of silently tracking the wrong signal.
package signalid

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/howeyc/crc16"
)

// ID identifies one signal: which symbol, which strategy, which session.
type ID struct {
	SymbolHash   uint32
	StrategyHash uint32
	Day          uint16 // days since the Unix epoch, UTC
}

// New derives an ID from the signal's identity fields.
func New(symbol, strategy string, tradeDate time.Time) ID {
	return ID{
		SymbolHash:   hash32(strings.ToUpper(symbol)),
		StrategyHash: hash32(strategy),
		Day:          daysSinceEpoch(tradeDate),
	}
}

// Hex returns the 0x-prefixed hex form used as a map key in the state
// document.
func (id ID) Hex() string {
	return "0x" + hex.EncodeToString(id.Bytes())
}

// Bytes returns the 12 byte wire form, BigEndian encoded:
// 4 bytes symbol hash, 4 bytes strategy hash, 2 bytes day number,
// 2 bytes CRC16 of the preceding bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, 0, 12)
	out = binary.BigEndian.AppendUint32(out, id.SymbolHash)
	out = binary.BigEndian.AppendUint32(out, id.StrategyHash)
	out = binary.BigEndian.AppendUint16(out, id.Day)
	out = binary.BigEndian.AppendUint16(out, crc16.ChecksumCCITT(out))
	return out
}

// Date returns the trade date encoded in the id, at midnight UTC.
func (id ID) Date() time.Time {
	return time.Unix(int64(id.Day)*86400, 0).UTC()
}

var (
	ErrWrongLength      = errors.New("signalid: wrong length")
	ErrChecksumMismatch = errors.New("signalid: checksum mismatch")
)

// FromBytes decodes and checksum-verifies a 12 byte id.
func FromBytes(v []byte) (ID, error) {
	if len(v) != 12 {
		return ID{}, ErrWrongLength
	}
	if crc16.ChecksumCCITT(v[0:10]) != binary.BigEndian.Uint16(v[10:12]) {
		return ID{}, ErrChecksumMismatch
	}
	return ID{
		SymbolHash:   binary.BigEndian.Uint32(v[0:4]),
		StrategyHash: binary.BigEndian.Uint32(v[4:8]),
		Day:          binary.BigEndian.Uint16(v[8:10]),
	}, nil
}

// FromHexString strips a leading 0x if present and decodes.
func FromHexString(s string) (ID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("signalid: decode hex: %w", err)
	}
	return FromBytes(b)
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func daysSinceEpoch(t time.Time) uint16 {
	return uint16(t.UTC().Unix() / 86400)
}
