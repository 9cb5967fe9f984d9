package journal

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/ValentinKolb/dLog/lib/vsr"
)

// frameHash chains one frame to the next. Each frame stores the hash of
// its predecessor, mirroring the chain the replica core keeps over
// commands.
type frameHash [sha256.Size]byte

// hashFrame hashes a complete frame, sentinels included.
func hashFrame(frame []byte) frameHash {
	return sha256.Sum256(frame)
}

// checksumFrame computes the CRC a frame stores, covering everything
// from the start sentinel through the payload.
func checksumFrame(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// --------------------------------------------------------------------------
// File Layout Constants
// --------------------------------------------------------------------------

// On-disk layout of a journal file:
//
//	[0, 8)     magic "DLOGWAL\x00"
//	[8, 12)    format version, uint32
//	[12, 16)   reserved, zero
//	[16, 272)  4 superblock slots, 64 bytes each
//	[272, ...) framed records, append only
const (
	journalMagic   = "DLOGWAL\x00"
	journalVersion = 1

	headerSize      = 16
	superblockSlots = 4
	slotSize        = 64
	recordsStart    = headerSize + superblockSlots*slotSize
)

// Record framing. Every record carries both sentinels, its own file
// offset, the SHA-256 of the previous frame and a CRC, so a torn or
// misplaced write is caught no matter where it lands.
//
//	[0, 4)        start sentinel 0xBADC0FFE
//	[4, 12)       file offset of this frame, uint64
//	[12, 44)      SHA-256 of the previous frame (zero for the first)
//	[44, 45)      record kind
//	[45, 46)      flags, zero
//	[46, 50)      payload length, uint32
//	[50, 50+n)    payload
//	[50+n, 54+n)  CRC-32 (IEEE) over bytes [0, 50+n)
//	[54+n, 58+n)  end sentinel 0xC0FFEE42
const (
	frameStart = uint32(0xBADC0FFE)
	frameEnd   = uint32(0xC0FFEE42)

	frameHeaderSize  = 50
	frameTrailerSize = 8
	frameOverhead    = frameHeaderSize + frameTrailerSize

	// maxRecordPayload bounds the payload length read back from disk.
	// Anything larger is treated as corruption.
	maxRecordPayload = 16 << 20
)

// Record kinds. A replaced entry is written as a second entry record for
// the same op number, replay keeps the latest copy.
const (
	recordEntry    = uint8(1)
	recordTruncate = uint8(2)
)

// entryPayloadBase is the fixed part of an entry payload:
// op (8) + view (8) + checksum (4) + chain hash (32) + command length (4).
const entryPayloadBase = 8 + 8 + 4 + vsr.ChainHashSize + 4

// All integers in the journal are little endian, matching the other
// persistence formats of the project.
var order = binary.LittleEndian

// --------------------------------------------------------------------------
// Record Frames
// --------------------------------------------------------------------------

// appendFrame appends one framed record to buf and returns the extended
// slice. offset is the file position the frame will be written to and
// prev the SHA-256 of the frame before it.
func appendFrame(buf []byte, offset int64, prev frameHash, kind uint8, payload []byte) []byte {
	base := len(buf)
	buf = append(buf, make([]byte, frameHeaderSize)...)

	order.PutUint32(buf[base:], frameStart)
	order.PutUint64(buf[base+4:], uint64(offset))
	copy(buf[base+12:], prev[:])
	buf[base+44] = kind
	buf[base+45] = 0
	order.PutUint32(buf[base+46:], uint32(len(payload)))

	buf = append(buf, payload...)

	crc := checksumFrame(buf[base:])
	buf = append(buf, 0, 0, 0, 0)
	order.PutUint32(buf[len(buf)-4:], crc)
	buf = append(buf, 0, 0, 0, 0)
	order.PutUint32(buf[len(buf)-4:], frameEnd)

	return buf
}

// frameLen returns the total frame size for a payload of n bytes.
func frameLen(n int) int64 {
	return int64(frameOverhead + n)
}

// --------------------------------------------------------------------------
// Entry and Truncate Payloads
// --------------------------------------------------------------------------

// encodeEntryPayload serializes one log entry.
func encodeEntryPayload(e vsr.LogEntry) []byte {
	buf := make([]byte, entryPayloadBase+len(e.Command))
	order.PutUint64(buf[0:], uint64(e.OpNumber))
	order.PutUint64(buf[8:], uint64(e.View))
	order.PutUint32(buf[16:], e.Checksum)
	copy(buf[20:], e.ChainHash[:])
	order.PutUint32(buf[20+vsr.ChainHashSize:], uint32(len(e.Command)))
	copy(buf[entryPayloadBase:], e.Command)
	return buf
}

// decodeEntryPayload parses an entry payload back into a log entry.
func decodeEntryPayload(buf []byte) (vsr.LogEntry, error) {
	if len(buf) < entryPayloadBase {
		return vsr.LogEntry{}, fmt.Errorf("entry payload too short: %d bytes", len(buf))
	}

	e := vsr.LogEntry{
		OpNumber: vsr.OpNumber(order.Uint64(buf[0:])),
		View:     vsr.ViewNumber(order.Uint64(buf[8:])),
		Checksum: order.Uint32(buf[16:]),
	}
	copy(e.ChainHash[:], buf[20:])

	cmdLen := int(order.Uint32(buf[20+vsr.ChainHashSize:]))
	if len(buf) != entryPayloadBase+cmdLen {
		return vsr.LogEntry{}, fmt.Errorf("entry payload length mismatch: header says %d command bytes, %d present",
			cmdLen, len(buf)-entryPayloadBase)
	}
	e.Command = make([]byte, cmdLen)
	copy(e.Command, buf[entryPayloadBase:])

	return e, nil
}

// encodeTruncatePayload serializes a truncate marker. Replay discards
// every entry above after.
func encodeTruncatePayload(after vsr.OpNumber) []byte {
	buf := make([]byte, 8)
	order.PutUint64(buf, uint64(after))
	return buf
}

func decodeTruncatePayload(buf []byte) (vsr.OpNumber, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("truncate payload has %d bytes, want 8", len(buf))
	}
	return vsr.OpNumber(order.Uint64(buf)), nil
}

// --------------------------------------------------------------------------
// Superblock Slots
// --------------------------------------------------------------------------

// superblock is the replica metadata written at every sync point. Slots
// rotate round robin by sequence number, so a torn slot write leaves the
// previous slot intact and Open falls back to it.
type superblock struct {
	Sequence uint64
	Meta     vsr.Metadata
	TailOp   vsr.OpNumber // tail op at the sync point, diagnostic only
	Replica  vsr.ReplicaID
}

// slotOffset returns the file offset of the slot a sequence number
// rotates into.
func slotOffset(seq uint64) int64 {
	return headerSize + int64(seq%superblockSlots)*slotSize
}

// encodeSuperblock serializes one slot:
// sequence (8) + view (8) + last normal view (8) + commit (8) + tail op (8)
// + replica (1) + status (1) + reserved (18) + CRC-32 (4).
func encodeSuperblock(sb superblock) []byte {
	buf := make([]byte, slotSize)
	order.PutUint64(buf[0:], sb.Sequence)
	order.PutUint64(buf[8:], uint64(sb.Meta.View))
	order.PutUint64(buf[16:], uint64(sb.Meta.LastNormalView))
	order.PutUint64(buf[24:], uint64(sb.Meta.Commit))
	order.PutUint64(buf[32:], uint64(sb.TailOp))
	buf[40] = uint8(sb.Replica)
	buf[41] = uint8(sb.Meta.Status)
	order.PutUint32(buf[slotSize-4:], crc32.ChecksumIEEE(buf[:slotSize-4]))
	return buf
}

// decodeSuperblock parses one slot. A slot is valid only if its CRC
// matches and its sequence is nonzero, so the zeroed slots of a fresh
// file never count.
func decodeSuperblock(buf []byte) (superblock, bool) {
	if len(buf) != slotSize {
		return superblock{}, false
	}
	if order.Uint32(buf[slotSize-4:]) != crc32.ChecksumIEEE(buf[:slotSize-4]) {
		return superblock{}, false
	}

	sb := superblock{
		Sequence: order.Uint64(buf[0:]),
		Meta: vsr.Metadata{
			View:           vsr.ViewNumber(order.Uint64(buf[8:])),
			LastNormalView: vsr.ViewNumber(order.Uint64(buf[16:])),
			Commit:         vsr.CommitNumber(order.Uint64(buf[24:])),
			Status:         vsr.ReplicaStatus(buf[41]),
		},
		TailOp:  vsr.OpNumber(order.Uint64(buf[32:])),
		Replica: vsr.ReplicaID(buf[40]),
	}
	if sb.Sequence == 0 {
		return superblock{}, false
	}
	return sb, true
}
