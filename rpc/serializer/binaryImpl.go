package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dLog/lib/vsr"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency. This is the default codec for replica
// links.
func NewBinarySerializer() ISerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements ISerializer using a custom binary format.
// Every message starts with a fixed envelope (kind, sender, receiver, view)
// followed by a payload layout fixed per kind. All integers are big endian.
type binarySerializerImpl struct {
}

// All integers on the wire are big endian (network byte order). The journal
// writes the same entry fields little endian; the two formats never mix.
var order = binary.BigEndian

const (
	// headerSize is the envelope: kind (1) + from (1) + to (1) + view (8)
	headerSize = 11

	// entryBase is the fixed part of an encoded log entry:
	// op (8) + view (8) + checksum (4) + chain hash (32) + command length (4)
	entryBase = 8 + 8 + 4 + vsr.ChainHashSize + 4

	// maxCommandBytes caps a single command on the wire so a corrupt
	// length field cannot make the decoder allocate gigabytes
	maxCommandBytes = 16 << 20

	// maxWireEntries caps the entry count of list payloads. No protocol
	// message carries more than a full log tail
	maxWireEntries = vsr.MaxLogTailEntries
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISerializer)
// --------------------------------------------------------------------------

func (s binarySerializerImpl) Serialize(msg vsr.Message) ([]byte, error) {
	// Calculate total size needed
	totalSize, err := s.sizeBytes(msg)
	if err != nil {
		return nil, err
	}
	result := make([]byte, totalSize)

	// Write envelope
	result[0] = byte(msg.Payload.Kind())
	result[1] = byte(msg.From)
	result[2] = byte(msg.To)
	order.PutUint64(result[3:11], uint64(msg.View))

	// Write payload, layout fixed per kind
	pos := headerSize
	switch p := msg.Payload.(type) {
	case *vsr.Prepare:
		order.PutUint64(result[pos:], uint64(p.Commit))
		pos += 8
		putEntry(result, pos, p.Entry)

	case *vsr.PrepareOk:
		order.PutUint64(result[pos:], uint64(p.OpNumber))

	case *vsr.Commit:
		order.PutUint64(result[pos:], uint64(p.Commit))

	case *vsr.StartViewChange:
		// envelope only

	case *vsr.DoViewChange:
		order.PutUint64(result[pos:], uint64(p.LastNormalView))
		order.PutUint64(result[pos+8:], uint64(p.OpNumber))
		order.PutUint64(result[pos+16:], uint64(p.Commit))
		putEntries(result, pos+24, p.Log)

	case *vsr.StartView:
		order.PutUint64(result[pos:], uint64(p.OpNumber))
		order.PutUint64(result[pos+8:], uint64(p.Commit))
		putEntries(result, pos+16, p.Log)

	case *vsr.GetState:
		order.PutUint64(result[pos:], p.Nonce)
		order.PutUint64(result[pos+8:], uint64(p.OpNumber))
		order.PutUint64(result[pos+16:], uint64(p.Commit))

	case *vsr.GetStateResponse:
		order.PutUint64(result[pos:], p.Nonce)
		order.PutUint64(result[pos+8:], uint64(p.OpNumber))
		order.PutUint64(result[pos+16:], uint64(p.Commit))
		putEntries(result, pos+24, p.Entries)

	case *vsr.RepairRequest:
		order.PutUint64(result[pos:], uint64(p.Start))
		order.PutUint64(result[pos+8:], uint64(p.End))

	case *vsr.RepairResponse:
		order.PutUint64(result[pos:], uint64(p.Start))
		order.PutUint64(result[pos+8:], uint64(p.End))
		putEntries(result, pos+16, p.Entries)

	case *vsr.RepairNack:
		order.PutUint64(result[pos:], uint64(p.Start))
		order.PutUint64(result[pos+8:], uint64(p.End))
		result[pos+16] = byte(p.Reason)

	case *vsr.Ping:
		order.PutUint64(result[pos:], uint64(p.Monotonic))

	case *vsr.Pong:
		order.PutUint64(result[pos:], uint64(p.Origin))
		order.PutUint64(result[pos+8:], uint64(p.Realtime))
	}

	return result, nil
}

func (s binarySerializerImpl) Deserialize(data []byte, msg *vsr.Message) error {
	// Check minimum size (envelope)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	// Read envelope
	kind := vsr.MessageKind(data[0])
	msg.From = vsr.ReplicaID(data[1])
	msg.To = vsr.ReplicaID(data[2])
	msg.View = vsr.ViewNumber(order.Uint64(data[3:11]))

	// Read payload
	pos := headerSize
	var err error

	switch kind {
	case vsr.KindPrepare:
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for prepare")
		}
		p := &vsr.Prepare{
			Commit: vsr.CommitNumber(order.Uint64(data[pos:])),
		}
		pos += 8
		if p.Entry, pos, err = getEntry(data, pos); err != nil {
			return err
		}
		msg.Payload = p

	case vsr.KindPrepareOk:
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for prepare_ok")
		}
		msg.Payload = &vsr.PrepareOk{
			OpNumber: vsr.OpNumber(order.Uint64(data[pos:])),
		}
		pos += 8

	case vsr.KindCommit:
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for commit")
		}
		msg.Payload = &vsr.Commit{
			Commit: vsr.CommitNumber(order.Uint64(data[pos:])),
		}
		pos += 8

	case vsr.KindStartViewChange:
		msg.Payload = &vsr.StartViewChange{}

	case vsr.KindDoViewChange:
		if pos+24 > len(data) {
			return fmt.Errorf("data too short for do_view_change")
		}
		p := &vsr.DoViewChange{
			LastNormalView: vsr.ViewNumber(order.Uint64(data[pos:])),
			OpNumber:       vsr.OpNumber(order.Uint64(data[pos+8:])),
			Commit:         vsr.CommitNumber(order.Uint64(data[pos+16:])),
		}
		pos += 24
		if p.Log, pos, err = getEntries(data, pos); err != nil {
			return err
		}
		msg.Payload = p

	case vsr.KindStartView:
		if pos+16 > len(data) {
			return fmt.Errorf("data too short for start_view")
		}
		p := &vsr.StartView{
			OpNumber: vsr.OpNumber(order.Uint64(data[pos:])),
			Commit:   vsr.CommitNumber(order.Uint64(data[pos+8:])),
		}
		pos += 16
		if p.Log, pos, err = getEntries(data, pos); err != nil {
			return err
		}
		msg.Payload = p

	case vsr.KindGetState:
		if pos+24 > len(data) {
			return fmt.Errorf("data too short for get_state")
		}
		msg.Payload = &vsr.GetState{
			Nonce:    order.Uint64(data[pos:]),
			OpNumber: vsr.OpNumber(order.Uint64(data[pos+8:])),
			Commit:   vsr.CommitNumber(order.Uint64(data[pos+16:])),
		}
		pos += 24

	case vsr.KindGetStateResponse:
		if pos+24 > len(data) {
			return fmt.Errorf("data too short for get_state_response")
		}
		p := &vsr.GetStateResponse{
			Nonce:    order.Uint64(data[pos:]),
			OpNumber: vsr.OpNumber(order.Uint64(data[pos+8:])),
			Commit:   vsr.CommitNumber(order.Uint64(data[pos+16:])),
		}
		pos += 24
		if p.Entries, pos, err = getEntries(data, pos); err != nil {
			return err
		}
		msg.Payload = p

	case vsr.KindRepairRequest:
		if pos+16 > len(data) {
			return fmt.Errorf("data too short for repair_request")
		}
		msg.Payload = &vsr.RepairRequest{
			Start: vsr.OpNumber(order.Uint64(data[pos:])),
			End:   vsr.OpNumber(order.Uint64(data[pos+8:])),
		}
		pos += 16

	case vsr.KindRepairResponse:
		if pos+16 > len(data) {
			return fmt.Errorf("data too short for repair_response")
		}
		p := &vsr.RepairResponse{
			Start: vsr.OpNumber(order.Uint64(data[pos:])),
			End:   vsr.OpNumber(order.Uint64(data[pos+8:])),
		}
		pos += 16
		if p.Entries, pos, err = getEntries(data, pos); err != nil {
			return err
		}
		msg.Payload = p

	case vsr.KindRepairNack:
		if pos+17 > len(data) {
			return fmt.Errorf("data too short for repair_nack")
		}
		msg.Payload = &vsr.RepairNack{
			Start:  vsr.OpNumber(order.Uint64(data[pos:])),
			End:    vsr.OpNumber(order.Uint64(data[pos+8:])),
			Reason: vsr.NackReason(data[pos+16]),
		}
		pos += 17

	case vsr.KindPing:
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for ping")
		}
		msg.Payload = &vsr.Ping{
			Monotonic: int64(order.Uint64(data[pos:])),
		}
		pos += 8

	case vsr.KindPong:
		if pos+16 > len(data) {
			return fmt.Errorf("data too short for pong")
		}
		msg.Payload = &vsr.Pong{
			Origin:   int64(order.Uint64(data[pos:])),
			Realtime: int64(order.Uint64(data[pos+8:])),
		}
		pos += 16

	default:
		return fmt.Errorf("unknown message kind %d", data[0])
	}

	// A frame must contain exactly one message
	if pos != len(data) {
		return fmt.Errorf("%d trailing bytes after %s message", len(data)-pos, kind)
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (s binarySerializerImpl) sizeBytes(msg vsr.Message) (int, error) {
	size := headerSize

	switch p := msg.Payload.(type) {
	case *vsr.Prepare:
		size += 8 + entrySize(p.Entry)
	case *vsr.PrepareOk, *vsr.Commit, *vsr.Ping:
		size += 8
	case *vsr.StartViewChange:
		// envelope only
	case *vsr.DoViewChange:
		size += 24 + entriesSize(p.Log)
	case *vsr.StartView:
		size += 16 + entriesSize(p.Log)
	case *vsr.GetState:
		size += 24
	case *vsr.GetStateResponse:
		size += 24 + entriesSize(p.Entries)
	case *vsr.RepairRequest, *vsr.Pong:
		size += 16
	case *vsr.RepairResponse:
		size += 16 + entriesSize(p.Entries)
	case *vsr.RepairNack:
		size += 17
	default:
		return 0, fmt.Errorf("cannot serialize payload of type %T", msg.Payload)
	}

	return size, nil
}

// entrySize returns the encoded size of a single log entry
func entrySize(e vsr.LogEntry) int {
	return entryBase + len(e.Command)
}

// entriesSize returns the encoded size of an entry list: a 4 byte count
// followed by the entries
func entriesSize(entries []vsr.LogEntry) int {
	size := 4
	for i := range entries {
		size += entrySize(entries[i])
	}
	return size
}

// putEntry writes one encoded entry at pos and returns the next write
// position. The field order matches the journal's entry payload.
func putEntry(buf []byte, pos int, e vsr.LogEntry) int {
	order.PutUint64(buf[pos:], uint64(e.OpNumber))
	order.PutUint64(buf[pos+8:], uint64(e.View))
	order.PutUint32(buf[pos+16:], e.Checksum)
	copy(buf[pos+20:], e.ChainHash[:])
	order.PutUint32(buf[pos+20+vsr.ChainHashSize:], uint32(len(e.Command)))
	copy(buf[pos+entryBase:], e.Command)
	return pos + entryBase + len(e.Command)
}

// putEntries writes the entry count followed by the entries and returns the
// next write position
func putEntries(buf []byte, pos int, entries []vsr.LogEntry) int {
	order.PutUint32(buf[pos:], uint32(len(entries)))
	pos += 4
	for i := range entries {
		pos = putEntry(buf, pos, entries[i])
	}
	return pos
}

// getEntry reads one encoded entry at pos and returns it together with the
// next read position
func getEntry(data []byte, pos int) (vsr.LogEntry, int, error) {
	if pos+entryBase > len(data) {
		return vsr.LogEntry{}, 0, fmt.Errorf("data too short for entry header")
	}

	var e vsr.LogEntry
	e.OpNumber = vsr.OpNumber(order.Uint64(data[pos:]))
	e.View = vsr.ViewNumber(order.Uint64(data[pos+8:]))
	e.Checksum = order.Uint32(data[pos+16:])
	copy(e.ChainHash[:], data[pos+20:pos+20+vsr.ChainHashSize])

	cmdLen := int(order.Uint32(data[pos+20+vsr.ChainHashSize:]))
	pos += entryBase
	if cmdLen > maxCommandBytes {
		return vsr.LogEntry{}, 0, fmt.Errorf("command length %d exceeds wire limit %d", cmdLen, maxCommandBytes)
	}
	if pos+cmdLen > len(data) {
		return vsr.LogEntry{}, 0, fmt.Errorf("data too short for command data")
	}
	if cmdLen == 0 {
		// zero length commands decode as nil
		return e, pos, nil
	}

	e.Command = make([]byte, cmdLen)
	copy(e.Command, data[pos:pos+cmdLen])
	return e, pos + cmdLen, nil
}

// getEntries reads an entry count followed by that many entries and returns
// them together with the next read position
func getEntries(data []byte, pos int) ([]vsr.LogEntry, int, error) {
	if pos+4 > len(data) {
		return nil, 0, fmt.Errorf("data too short for entry count")
	}

	count := int(order.Uint32(data[pos:]))
	pos += 4
	if count > maxWireEntries {
		return nil, 0, fmt.Errorf("entry count %d exceeds wire limit %d", count, maxWireEntries)
	}
	if count == 0 {
		return nil, pos, nil
	}

	entries := make([]vsr.LogEntry, 0, count)
	for i := 0; i < count; i++ {
		e, next, err := getEntry(data, pos)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
		pos = next
	}
	return entries, pos, nil
}
