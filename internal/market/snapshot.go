package market

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Snapshot is an immutable, timestamped view of every tracked instrument
// as known at the end of one poll cycle.
type Snapshot struct {
	seq      uint64
	takenAt  time.Time
	exchange string
	entries  map[Instrument]Entry
	order    []Instrument
}

// NewSnapshot copies entries into a new snapshot.
func NewSnapshot(seq uint64, takenAt time.Time, exchange string, entries []Entry) *Snapshot {
	s := &Snapshot{
		seq:      seq,
		takenAt:  takenAt,
		exchange: exchange,
		entries:  make(map[Instrument]Entry, len(entries)),
		order:    make([]Instrument, 0, len(entries)),
	}
	for _, e := range entries {
		if _, dup := s.entries[e.Instrument]; !dup {
			s.order = append(s.order, e.Instrument)
		}
		s.entries[e.Instrument] = e
	}
	SortInstruments(s.order)
	return s
}

func (s *Snapshot) Seq() uint64 {
	return s.seq
}

func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Exchange names the source the snapshot was polled from.
func (s *Snapshot) Exchange() string {
	return s.exchange
}

func (s *Snapshot) Len() int {
	return len(s.order)
}

// Get returns the entry for inst.
func (s *Snapshot) Get(inst Instrument) (Entry, bool) {
	e, ok := s.entries[inst]
	return e, ok
}

// Instruments returns the key set in symbol order.
func (s *Snapshot) Instruments() []Instrument {
	out := make([]Instrument, len(s.order))
	copy(out, s.order)
	return out
}

// Entries returns a copy of all entries in symbol order.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.order))
	for _, inst := range s.order {
		out = append(out, s.entries[inst])
	}
	return out
}

// StaleInstruments lists instruments whose entry is stale.
func (s *Snapshot) StaleInstruments() []Instrument {
	var out []Instrument
	for _, inst := range s.order {
		if !s.entries[inst].IsFresh() {
			out = append(out, inst)
		}
	}
	return out
}

func (s *Snapshot) FreshCount() int {
	return s.Len() - len(s.StaleInstruments())
}

// AllStale is true when no entry in a non-empty snapshot is fresh.
func (s *Snapshot) AllStale() bool {
	return s.Len() > 0 && s.FreshCount() == 0
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("Snapshot{seq=%d, at=%s, %d instruments, %d stale}",
		s.seq, s.takenAt.UTC().Format(time.RFC3339), s.Len(), len(s.StaleInstruments()))
}

type snapshotJSON struct {
	Seq      uint64    `json:"seq"`
	TakenAt  time.Time `json:"taken_at"`
	Exchange string    `json:"exchange,omitempty"`
	Entries  []Entry   `json:"entries"`
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		Seq:      s.seq,
		TakenAt:  s.takenAt,
		Exchange: s.exchange,
		Entries:  s.Entries(),
	})
}

// History is a bounded, time-ordered ring of snapshots. It is safe for
// concurrent use.
type History struct {
	mu    sync.RWMutex
	items []*Snapshot
	head  int
	size  int
}

// NewHistory creates a ring retaining at most capacity snapshots.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{items: make([]*Snapshot, capacity)}
}

func (h *History) Capacity() int {
	return len(h.items)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Append adds snap as the newest entry, evicting the oldest when full. A
// snapshot that is not strictly newer than the current newest is rejected.
func (h *History) Append(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size > 0 {
		last := h.items[(h.head+h.size-1)%len(h.items)]
		if !snap.takenAt.After(last.takenAt) || snap.seq <= last.seq {
			return fmt.Errorf("snapshot seq %d at %s is not newer than seq %d at %s",
				snap.seq, snap.takenAt.Format(time.RFC3339Nano), last.seq, last.takenAt.Format(time.RFC3339Nano))
		}
	}

	if h.size < len(h.items) {
		h.items[(h.head+h.size)%len(h.items)] = snap
		h.size++
		return nil
	}
	h.items[h.head] = snap
	h.head = (h.head + 1) % len(h.items)
	return nil
}

// Recent returns up to limit of the most recent snapshots, oldest first.
func (h *History) Recent(limit int) []*Snapshot {
	if limit <= 0 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit > h.size {
		limit = h.size
	}
	out := make([]*Snapshot, 0, limit)
	start := h.size - limit
	for i := start; i < h.size; i++ {
		out = append(out, h.items[(h.head+i)%len(h.items)])
	}
	return out
}

// Since returns retained snapshots with a sequence number greater than seq,
// oldest first.
func (h *History) Since(seq uint64) []*Snapshot {
	all := h.Recent(h.Capacity())
	for i, s := range all {
		if s.seq > seq {
			return all[i:]
		}
	}
	return nil
}

// Reader is the read side of a poller as seen by snapshot consumers.
type Reader interface {
	Latest() *Snapshot
	History(limit int) []*Snapshot
}
