package journal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ValentinKolb/dLog/lib/logger"
	"github.com/ValentinKolb/dLog/lib/util"
	"github.com/ValentinKolb/dLog/lib/vsr"
)

var log = logger.GetLogger("journal")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// compactMinBytes is the smallest record region Open bothers to
	// compact. Below this the rewrite costs more than the space saved.
	compactMinBytes = 256 << 10

	// compactSuffix names the scratch file of an in-progress compaction.
	compactSuffix = ".compact"

	// scanBufferSize is the read buffer used while replaying records.
	scanBufferSize = 1 << 20
)

// --------------------------------------------------------------------------
// Disk Journal
// --------------------------------------------------------------------------

// DiskJournal is the durable store of one replica: a single file holding
// the replica metadata in four rotating superblock slots and the log as a
// stream of framed records. Records are only ever appended. A replaced
// entry is a newer record for the same op, a truncation is a marker
// record, replay folds both back into the final log.
//
// Writes stage in memory until Sync, which lands them with one write and
// orders record durability before the superblock update. A crash between
// the two leaves the journal ahead of its superblock, never behind, which
// is the direction the replica core tolerates.
type DiskJournal struct {
	mu   sync.Mutex
	path string
	id   vsr.ReplicaID
	f    *os.File

	// record region state
	tail      int64     // file offset after the last staged frame
	flushed   int64     // file offset after the last synced frame
	wbuf      []byte    // frames staged since the last sync
	prevHash  frameHash // hash of the last staged frame
	tailOp    vsr.OpNumber
	frameLens []int64 // current frame length per live op
	live      int64   // bytes of frames still holding a live entry
	dead      int64   // bytes of superseded frames
	records   int64

	// superblock state
	seq         uint64
	meta        vsr.Metadata
	pendingMeta vsr.Metadata
	metaDirty   bool

	// state captured at open, served by Load
	loadedMeta    vsr.Metadata
	loadedEntries []vsr.LogEntry

	hist   *util.SizeHistogram
	closed bool
}

var _ vsr.IJournal = (*DiskJournal)(nil)

// Open opens or creates the journal file at path for the given replica.
// It validates the header, picks the newest intact superblock slot,
// replays the record stream and discards a torn tail. A journal written
// by a different replica is refused.
func Open(path string, id vsr.ReplicaID) (*DiskJournal, error) {
	// a leftover scratch file from an interrupted compaction is never
	// valid
	_ = os.Remove(path + compactSuffix)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	j := &DiskJournal{
		path: path,
		id:   id,
		f:    f,
		hist: util.NewSizeHistogram(),
	}
	if err := j.bootstrap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

func (j *DiskJournal) bootstrap() error {
	st, err := j.f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal %s: %w", j.path, err)
	}

	if st.Size() == 0 {
		if err := j.initFile(); err != nil {
			return err
		}
		j.tail = recordsStart
		j.flushed = recordsStart
		log.Infof("created journal %s for %s", j.path, j.id)
		return nil
	}
	if st.Size() < recordsStart {
		return fmt.Errorf("journal %s is truncated below its header (%d bytes)", j.path, st.Size())
	}

	prefix := make([]byte, recordsStart)
	if _, err := j.f.ReadAt(prefix, 0); err != nil {
		return fmt.Errorf("read journal header: %w", err)
	}
	if string(prefix[:len(journalMagic)]) != journalMagic {
		return fmt.Errorf("%s is not a journal file", j.path)
	}
	if v := order.Uint32(prefix[8:]); v != journalVersion {
		return fmt.Errorf("journal %s has format version %d, this build reads version %d", j.path, v, journalVersion)
	}

	best, sbFound := j.readSuperblocks(prefix)
	if sbFound {
		if best.Replica != j.id {
			return fmt.Errorf("journal %s belongs to %s, not %s", j.path, best.Replica, j.id)
		}
		j.seq = best.Sequence
		j.meta = best.Meta
	}

	entries, err := j.scan(st.Size())
	if err != nil {
		return err
	}

	if !sbFound && len(entries) > 0 {
		log.Warningf("journal %s has records but no readable superblock slot, rejoining with zero metadata", j.path)
	}
	if j.meta.Commit > vsr.CommitNumber(j.tailOp) {
		log.Warningf("journal %s superblock records %s but the log ends at %s, the replica will recover the rest",
			j.path, j.meta.Commit, j.tailOp)
	}

	if j.dead > j.live && j.dead+j.live >= compactMinBytes {
		if err := j.compact(entries); err != nil {
			log.Warningf("journal %s compaction failed, continuing uncompacted: %v", j.path, err)
		}
	}

	j.loadedMeta = j.meta
	j.loadedEntries = entries
	log.Infof("opened journal %s: %d entries up to %s, %s", j.path, len(entries), j.tailOp, j.meta.Status)
	return nil
}

// initFile writes the header and the four zeroed superblock slots of a
// fresh journal and makes the file name itself durable.
func (j *DiskJournal) initFile() error {
	prefix := make([]byte, recordsStart)
	copy(prefix, journalMagic)
	order.PutUint32(prefix[8:], journalVersion)

	if _, err := j.f.WriteAt(prefix, 0); err != nil {
		return fmt.Errorf("initialize journal %s: %w", j.path, err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("initialize journal %s: %w", j.path, err)
	}
	return syncDir(j.path)
}

// readSuperblocks picks the highest-sequence valid slot. It reports
// whether any slot was readable.
func (j *DiskJournal) readSuperblocks(prefix []byte) (superblock, bool) {
	var best superblock
	found := false
	for i := 0; i < superblockSlots; i++ {
		sb, ok := decodeSuperblock(prefix[headerSize+i*slotSize : headerSize+(i+1)*slotSize])
		if !ok {
			continue
		}
		if !found || sb.Sequence > best.Sequence {
			best = sb
			found = true
		}
	}
	return best, found
}

// scan replays the record region into the final log. It stops at the
// first frame that fails any check and truncates the file there, so the
// next append continues from a clean boundary.
func (j *DiskJournal) scan(size int64) ([]vsr.LogEntry, error) {
	r := bufio.NewReaderSize(io.NewSectionReader(j.f, recordsStart, size-recordsStart), scanBufferSize)

	var (
		entries []vsr.LogEntry
		pos     = int64(recordsStart)
		prev    frameHash
		torn    string
	)

frames:
	for pos < size {
		hdr := make([]byte, frameHeaderSize)
		if _, err := io.ReadFull(r, hdr); err != nil {
			torn = "frame header cut short"
			break
		}

		payloadLen := int(order.Uint32(hdr[46:]))
		switch {
		case order.Uint32(hdr[0:]) != frameStart:
			torn = "start sentinel missing"
			break frames
		case order.Uint64(hdr[4:]) != uint64(pos):
			torn = fmt.Sprintf("frame claims offset %d", order.Uint64(hdr[4:]))
			break frames
		case frameHash(hdr[12:44]) != prev:
			torn = "frame chain broken"
			break frames
		case payloadLen > maxRecordPayload:
			torn = fmt.Sprintf("payload length %d out of range", payloadLen)
			break frames
		}

		frame := make([]byte, frameLen(payloadLen))
		copy(frame, hdr)
		if _, err := io.ReadFull(r, frame[frameHeaderSize:]); err != nil {
			torn = "frame body cut short"
			break
		}

		crcAt := frameHeaderSize + payloadLen
		if order.Uint32(frame[crcAt:]) != checksumFrame(frame[:crcAt]) {
			torn = "frame checksum mismatch"
			break
		}
		if order.Uint32(frame[crcAt+4:]) != frameEnd {
			torn = "end sentinel missing"
			break
		}

		payload := frame[frameHeaderSize:crcAt]
		fl := int64(len(frame))

		switch frame[44] {
		case recordEntry:
			e, err := decodeEntryPayload(payload)
			if err != nil {
				torn = err.Error()
				break frames
			}
			switch {
			case e.OpNumber == vsr.OpNumber(len(entries))+1:
				entries = append(entries, e)
				j.frameLens = append(j.frameLens, fl)
				j.live += fl
			case e.OpNumber >= 1 && int(e.OpNumber) <= len(entries):
				j.dead += j.frameLens[e.OpNumber-1]
				j.live += fl - j.frameLens[e.OpNumber-1]
				j.frameLens[e.OpNumber-1] = fl
				entries[e.OpNumber-1] = e
			default:
				torn = fmt.Sprintf("record for %s does not follow op-%d", e.OpNumber, len(entries))
				break frames
			}
		case recordTruncate:
			after, err := decodeTruncatePayload(payload)
			if err != nil {
				torn = err.Error()
				break frames
			}
			if int(after) < len(entries) {
				for _, l := range j.frameLens[after:] {
					j.dead += l
					j.live -= l
				}
				entries = entries[:after]
				j.frameLens = j.frameLens[:after]
			}
			j.dead += fl
		default:
			torn = fmt.Sprintf("unknown record kind %d", frame[44])
			break frames
		}

		j.hist.AddSample(len(frame))
		j.records++
		prev = hashFrame(frame)
		pos += fl
	}

	if pos < size {
		log.Warningf("journal %s: %s at offset %d, discarding %d trailing bytes", j.path, torn, pos, size-pos)
		if err := j.f.Truncate(pos); err != nil {
			return nil, fmt.Errorf("cut torn journal tail: %w", err)
		}
		if err := j.f.Sync(); err != nil {
			return nil, fmt.Errorf("cut torn journal tail: %w", err)
		}
	}

	j.tail = pos
	j.flushed = pos
	j.prevHash = prev
	j.tailOp = vsr.OpNumber(len(entries))
	return entries, nil
}

// compact rewrites the journal with one record per live entry. The new
// file is built beside the old one and swapped in with a rename, a crash
// at any point leaves one complete journal in place.
func (j *DiskJournal) compact(entries []vsr.LogEntry) error {
	tmpPath := j.path + compactSuffix
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	before := j.live + j.dead

	buf := make([]byte, recordsStart, recordsStart+j.live)
	copy(buf, journalMagic)
	order.PutUint32(buf[8:], journalVersion)

	j.seq++
	slot := encodeSuperblock(superblock{Sequence: j.seq, Meta: j.meta, TailOp: vsr.OpNumber(len(entries)), Replica: j.id})
	copy(buf[slotOffset(j.seq):], slot)

	var (
		prev frameHash
		lens = make([]int64, 0, len(entries))
		live int64
	)
	for _, e := range entries {
		start := len(buf)
		buf = appendFrame(buf, int64(start), prev, recordEntry, encodeEntryPayload(e))
		frame := buf[start:]
		prev = hashFrame(frame)
		lens = append(lens, int64(len(frame)))
		live += int64(len(frame))
	}

	if _, err := tmp.WriteAt(buf, 0); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return err
	}

	// the scratch handle now owns the journal name
	_ = j.f.Close()
	j.f = tmp
	tmp = nil

	j.tail = int64(len(buf))
	j.flushed = j.tail
	j.prevHash = prev
	j.frameLens = lens
	j.live = live
	j.dead = 0
	j.records = int64(len(entries))
	j.hist.Reset()
	for _, l := range lens {
		j.hist.AddSample(int(l))
	}

	log.Infof("compacted journal %s: %d -> %d record bytes", j.path, before, j.live)

	// if this fails the rename may not survive a crash, in which case the
	// next open sees the previous file, which is equally complete
	return syncDir(j.path)
}

// --------------------------------------------------------------------------
// IJournal Implementation
// --------------------------------------------------------------------------

// Append stages a new entry record at the tail. The entry must extend the
// journal gap free.
func (j *DiskJournal) Append(e vsr.LogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errClosed(j.path)
	}
	if e.OpNumber != j.tailOp+1 {
		return fmt.Errorf("append of %s does not extend the journal tail op-%d", e.OpNumber, j.tailOp)
	}

	fl := j.stageFrame(recordEntry, encodeEntryPayload(e))
	j.tailOp = e.OpNumber
	j.frameLens = append(j.frameLens, fl)
	j.live += fl
	return nil
}

// Replace stages a repaired copy of an entry already in the journal. The
// earlier record for the op becomes dead weight until compaction.
func (j *DiskJournal) Replace(e vsr.LogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errClosed(j.path)
	}
	if e.OpNumber < 1 || e.OpNumber > j.tailOp {
		return fmt.Errorf("replace of %s outside the journal range 1..%d", e.OpNumber, j.tailOp)
	}

	fl := j.stageFrame(recordEntry, encodeEntryPayload(e))
	old := j.frameLens[e.OpNumber-1]
	j.dead += old
	j.live += fl - old
	j.frameLens[e.OpNumber-1] = fl
	return nil
}

// Truncate stages a marker discarding every entry above after. Truncating
// at or beyond the tail is a no-op.
func (j *DiskJournal) Truncate(after vsr.OpNumber) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errClosed(j.path)
	}
	if after >= j.tailOp {
		return nil
	}

	fl := j.stageFrame(recordTruncate, encodeTruncatePayload(after))
	for _, l := range j.frameLens[after:] {
		j.dead += l
		j.live -= l
	}
	j.frameLens = j.frameLens[:after]
	j.tailOp = after
	j.dead += fl
	return nil
}

// WriteMeta stages the replica metadata. It reaches the superblock at the
// next Sync, after the records of the same step are durable.
func (j *DiskJournal) WriteMeta(m vsr.Metadata) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errClosed(j.path)
	}
	j.pendingMeta = m
	j.metaDirty = true
	return nil
}

// Sync lands all staged frames with a single write and syncs them, then
// writes the superblock slot for staged metadata and syncs again. The
// two-step order keeps the superblock from ever referring to records the
// disk does not hold.
func (j *DiskJournal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errClosed(j.path)
	}

	if len(j.wbuf) > 0 {
		if _, err := j.f.WriteAt(j.wbuf, j.flushed); err != nil {
			return fmt.Errorf("write journal records: %w", err)
		}
		if err := j.f.Sync(); err != nil {
			return fmt.Errorf("sync journal records: %w", err)
		}
		j.flushed = j.tail
		j.wbuf = j.wbuf[:0]
	}

	if j.metaDirty {
		j.seq++
		slot := encodeSuperblock(superblock{Sequence: j.seq, Meta: j.pendingMeta, TailOp: j.tailOp, Replica: j.id})
		if _, err := j.f.WriteAt(slot, slotOffset(j.seq)); err != nil {
			j.seq--
			return fmt.Errorf("write journal superblock: %w", err)
		}
		if err := j.f.Sync(); err != nil {
			j.seq--
			return fmt.Errorf("sync journal superblock: %w", err)
		}
		j.meta = j.pendingMeta
		j.metaDirty = false
	}
	return nil
}

// Load returns the metadata and log read at Open. Writes made through
// this handle afterwards are not reflected.
func (j *DiskJournal) Load() (vsr.Metadata, []vsr.LogEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return vsr.Metadata{}, nil, errClosed(j.path)
	}
	return j.loadedMeta, j.loadedEntries, nil
}

// Close releases the file handle. Staged writes that were never synced
// are discarded, matching what a crash at the same point would leave.
func (j *DiskJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	if len(j.wbuf) > 0 || j.metaDirty {
		log.Warningf("journal %s closed with unsynced writes, they are discarded", j.path)
	}
	return j.f.Close()
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// JournalInfo is a point-in-time summary of the journal for diagnostics.
type JournalInfo struct {
	Path              string       `json:"path"`
	Records           int64        `json:"records"`
	TailOp            vsr.OpNumber `json:"tail_op"`
	LiveBytes         int64        `json:"live_bytes"`
	DeadBytes         int64        `json:"dead_bytes"`
	StagedBytes       int64        `json:"staged_bytes"`
	Sequence          uint64       `json:"superblock_sequence"`
	MedianRecordBytes int          `json:"median_record_bytes"`
	AvgRecordBytes    int          `json:"avg_record_bytes"`
}

// Info returns current journal statistics.
func (j *DiskJournal) Info() JournalInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JournalInfo{
		Path:              j.path,
		Records:           j.records,
		TailOp:            j.tailOp,
		LiveBytes:         j.live,
		DeadBytes:         j.dead,
		StagedBytes:       int64(len(j.wbuf)),
		Sequence:          j.seq,
		MedianRecordBytes: j.hist.MedianEstimate(),
		AvgRecordBytes:    j.hist.AverageSize(),
	}
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// stageFrame appends a frame to the write buffer and advances the tail
// bookkeeping. The caller holds the mutex.
func (j *DiskJournal) stageFrame(kind uint8, payload []byte) int64 {
	start := len(j.wbuf)
	j.wbuf = appendFrame(j.wbuf, j.tail, j.prevHash, kind, payload)
	frame := j.wbuf[start:]

	j.prevHash = hashFrame(frame)
	j.tail += int64(len(frame))
	j.records++
	j.hist.AddSample(len(frame))
	return int64(len(frame))
}

func errClosed(path string) error {
	return fmt.Errorf("journal %s is closed", path)
}

// syncDir syncs the directory holding path, making a create or rename of
// the file itself durable.
func syncDir(path string) error {
	d, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
