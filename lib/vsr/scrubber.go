package vsr

// --------------------------------------------------------------------------
// Log Scrubber
// --------------------------------------------------------------------------

// MaxScrubReadsPerTick bounds how many entries one scrub tick verifies, so
// scrubbing never starves request processing.
const MaxScrubReadsPerTick = 10

// ScrubReport is the outcome of one scrub tick.
type ScrubReport struct {
	// Checked is how many entries were verified this tick.
	Checked int
	// Corruptions lists the entries that failed verification, in scan
	// order.
	Corruptions []Corruption
	// TourComplete reports that this tick finished a full pass over the
	// log.
	TourComplete bool
}

// Scrubber walks the log in the background and verifies checksums and
// chain links, so silent corruption is found before a read or a view
// change trips over it.
//
// Each full pass over the log is a tour. Tours start at a pseudo random
// origin derived from the replica ID and the tour count: every replica
// scans in a different order, so a media error on one replica is usually
// found while the other replicas still hold clean copies to repair from.
//
// Not safe for concurrent use; owned by the replica core.
type Scrubber struct {
	self    ReplicaID
	tours   uint64
	origin  uint64 // scan start offset of the current tour
	cursor  uint64 // entries scanned so far in the current tour
	tourLen uint64 // log length when the current tour started
}

// NewScrubber creates a scrubber for this replica.
func NewScrubber(self ReplicaID) *Scrubber {
	return &Scrubber{self: self}
}

// Tours returns the number of completed tours.
func (s *Scrubber) Tours() uint64 {
	return s.tours
}

// Tick verifies the next batch of entries. An empty log is a no-op report.
func (s *Scrubber) Tick(log *Log) ScrubReport {
	var report ScrubReport

	n := uint64(log.Len())
	if n == 0 {
		return report
	}
	if s.tourLen == 0 {
		s.beginTour(n)
	}

	for report.Checked < MaxScrubReadsPerTick && s.cursor < s.tourLen {
		// The log may have shrunk since the tour began; wrap within what
		// is actually there.
		n = uint64(log.Len())
		if n == 0 {
			break
		}
		op := OpNumber((s.origin+s.cursor)%n + 1)
		if c := log.VerifyRange(op, op+1); c != nil {
			report.Corruptions = append(report.Corruptions, *c)
		}
		s.cursor++
		report.Checked++
	}

	if s.cursor >= s.tourLen {
		s.tours++
		s.tourLen = 0
		report.TourComplete = true
	}
	return report
}

// beginTour starts a fresh pass. The origin mixes the replica ID and the
// tour count through a multiplicative hash, giving each replica and each
// tour a different, deterministic scan order.
func (s *Scrubber) beginTour(logLen uint64) {
	seed := uint64(s.self)<<32 | s.tours
	s.origin = (seed * 0x9E3779B97F4A7C15) % logLen
	s.cursor = 0
	s.tourLen = logLen
}
