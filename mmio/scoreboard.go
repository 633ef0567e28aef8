package mmio

import "sync/atomic"

// Scoreboard sizing.
const (
	NumSlots = 64
	TIDBits  = 9
	TIDMask  = 1<<TIDBits - 1
)

// A slot tracks one outstanding request.
//
// The foreground caller writes tid and write under the bridge lock and then
// sets sent. The response watcher writes data and sets received. A slot is
// free only when both sent and received are clear.
type slot struct {
	tid   atomic.Uint32
	write atomic.Bool
	data  [8]uint64

	sent      atomic.Bool
	received  atomic.Bool
	abandoned atomic.Bool
}

// Scoreboard correlates responses with the requests waiting for them.
type Scoreboard struct {
	slots   [NumSlots]slot
	nextTID uint32
}

// NewScoreboard creates an empty scoreboard.
func NewScoreboard() *Scoreboard {
	return &Scoreboard{}
}

// SlotStatus is a snapshot of a slot, for inspection.
type SlotStatus struct {
	Index    int    `json:"index"`
	TID      uint32 `json:"tid"`
	Write    bool   `json:"write"`
	Sent     bool   `json:"sent"`
	Received bool   `json:"received"`
}

func (s *slot) free() bool {
	return !s.sent.Load() && !s.received.Load()
}

func (s *slot) release() {
	s.received.Store(false)
	s.sent.Store(false)
}

// reserve claims a free slot and a transaction ID that is not in flight. The
// caller must hold the bridge lock. It returns -1 if every slot is busy.
func (b *Scoreboard) reserve(write bool) (int, uint32) {
	idx := -1
	for i := range b.slots {
		if b.slots[i].free() {
			idx = i
			break
		}
	}

	if idx < 0 {
		return -1, 0
	}

	tid := b.nextTID
	for b.tidInFlight(tid) {
		tid = (tid + 1) & TIDMask
	}
	b.nextTID = (tid + 1) & TIDMask

	s := &b.slots[idx]
	s.tid.Store(tid)
	s.write.Store(write)
	s.data = [8]uint64{}
	s.abandoned.Store(false)
	s.sent.Store(true)

	return idx, tid
}

func (b *Scoreboard) tidInFlight(tid uint32) bool {
	for i := range b.slots {
		s := &b.slots[i]
		if s.sent.Load() && s.tid.Load() == tid {
			return true
		}
	}

	return false
}

// HasFree reports whether at least one slot can be reserved.
func (b *Scoreboard) HasFree() bool {
	for i := range b.slots {
		if b.slots[i].free() {
			return true
		}
	}

	return false
}

// Outstanding returns the number of slots in use.
func (b *Scoreboard) Outstanding() int {
	n := 0
	for i := range b.slots {
		if b.slots[i].sent.Load() {
			n++
		}
	}

	return n
}

// find returns the in-use slot waiting for tid, or -1.
func (b *Scoreboard) find(tid uint32) int {
	for i := range b.slots {
		s := &b.slots[i]
		if s.sent.Load() && !s.received.Load() && s.tid.Load() == tid {
			return i
		}
	}

	return -1
}

// complete records a response in a slot. Write acknowledgments free the slot
// right away. Read data is kept until the waiting caller consumes it, unless
// that caller already gave up.
func (b *Scoreboard) complete(idx int, data [8]uint64) {
	s := &b.slots[idx]

	if s.write.Load() {
		s.release()
		return
	}

	s.data = data
	s.received.Store(true)

	if s.abandoned.CompareAndSwap(true, false) {
		s.release()
	}
}

// consume returns the data of a completed read and frees the slot.
func (b *Scoreboard) consume(idx int) [8]uint64 {
	s := &b.slots[idx]
	data := s.data
	s.release()

	return data
}

// abandon gives up on a read whose response has not arrived. Whichever of
// the caller and the watcher comes second frees the slot.
func (b *Scoreboard) abandon(idx int) {
	s := &b.slots[idx]
	s.abandoned.Store(true)

	if s.received.Load() && s.abandoned.CompareAndSwap(true, false) {
		s.release()
	}
}

// cancel frees a slot whose request never reached the simulator.
func (b *Scoreboard) cancel(idx int) {
	b.slots[idx].release()
}

func (b *Scoreboard) responded(idx int) bool {
	return b.slots[idx].received.Load()
}

// Reset clears every slot.
func (b *Scoreboard) Reset() {
	for i := range b.slots {
		s := &b.slots[i]
		s.abandoned.Store(false)
		s.release()
		s.data = [8]uint64{}
	}
	b.nextTID = 0
}

// Snapshot returns the slots in use.
func (b *Scoreboard) Snapshot() []SlotStatus {
	var list []SlotStatus

	for i := range b.slots {
		s := &b.slots[i]
		if !s.sent.Load() {
			continue
		}

		list = append(list, SlotStatus{
			Index:    i,
			TID:      s.tid.Load(),
			Write:    s.write.Load(),
			Sent:     true,
			Received: s.received.Load(),
		})
	}

	return list
}
