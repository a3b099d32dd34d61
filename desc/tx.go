package desc

import "encoding/binary"

// TX descriptor types (upper 4 bits of type_flags, pre-shifted).
const (
	TxTypeStd Uint4 = 0x00
	TxTypeTSO Uint4 = 0x10
	TxTypeSeg Uint4 = 0x20
)

// Uint4 is a type|flags byte where the type occupies the upper nibble and
// flags the lower, matching the device's packing.
type Uint4 = byte

// TX descriptor flags (low nibble of type_flags).
const (
	TxFlagL4Csum = 1 << 0
	TxFlagTstamp = 1 << 2
)

// TX segment descriptor flag (TSO only).
const TxSegFlagIPv6 = 1 << 1

// PktDesc is the 16-byte TX packet descriptor.
type PktDesc struct {
	TypeFlags       byte
	ChecksumOffset  byte // 2-byte units
	L4Offset        byte // 2-byte units
	SegCnt          byte
	Len             uint16
	SegLen          uint16
	SegAddr         uint64 // QPL offset of the first segment
}

const PktDescSize = 16

// Encode writes the descriptor in its wire form to buf (len(buf) >= 16).
func (d *PktDesc) Encode(buf []byte) {
	buf[0] = d.TypeFlags
	buf[1] = d.ChecksumOffset
	buf[2] = d.L4Offset
	buf[3] = d.SegCnt
	binary.BigEndian.PutUint16(buf[4:6], d.Len)
	binary.BigEndian.PutUint16(buf[6:8], d.SegLen)
	binary.BigEndian.PutUint64(buf[8:16], d.SegAddr)
}

// SegDesc is the 16-byte TX segment descriptor.
type SegDesc struct {
	TypeFlags byte
	L3Offset  byte // 2-byte units, TSO only
	MSS       uint16
	SegLen    uint16
	SegAddr   uint64
}

const SegDescSize = 16

// Encode writes the descriptor in its wire form to buf (len(buf) >= 16).
func (d *SegDesc) Encode(buf []byte) {
	buf[0] = d.TypeFlags
	buf[1] = d.L3Offset
	binary.BigEndian.PutUint16(buf[2:4], 0) // reserved
	binary.BigEndian.PutUint16(buf[4:6], d.MSS)
	binary.BigEndian.PutUint16(buf[6:8], d.SegLen)
	binary.BigEndian.PutUint64(buf[8:16], d.SegAddr)
}
