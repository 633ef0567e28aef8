package monitoring

import (
	"sync"
	"time"

	"github.com/sarchlab/ase/hooking"
	"github.com/sarchlab/ase/mmio"
)

// LatencyStats summarizes the round trips of one kind of MMIO transaction.
type LatencyStats struct {
	Count   uint64  `json:"count"`
	Average float64 `json:"average"`
	Max     float64 `json:"max"`
}

// LatencyTracer is a hook that measures how long MMIO transactions take from
// issue to completion. Latencies are in seconds of wall time.
type LatencyTracer struct {
	now func() time.Time

	lock     sync.Mutex
	inflight map[uint32]inflightMMIO
	stats    map[string]LatencyStats
}

type inflightMMIO struct {
	write bool
	start time.Time
}

// NewLatencyTracer creates a LatencyTracer.
func NewLatencyTracer() *LatencyTracer {
	return &LatencyTracer{
		now:      time.Now,
		inflight: make(map[uint32]inflightMMIO),
		stats: map[string]LatencyStats{
			"read":  {},
			"write": {},
		},
	}
}

// Func records issues and completions.
func (t *LatencyTracer) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case mmio.HookPosIssue:
		t.start(ctx.Item.(mmio.Packet))
	case mmio.HookPosComplete:
		t.end(ctx.Item.(mmio.Packet))
	}
}

func (t *LatencyTracer) start(p mmio.Packet) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.inflight[p.TID] = inflightMMIO{write: p.Write, start: t.now()}
}

func (t *LatencyTracer) end(rsp mmio.Packet) {
	t.lock.Lock()
	defer t.lock.Unlock()

	req, ok := t.inflight[rsp.TID]
	if !ok {
		return
	}
	delete(t.inflight, rsp.TID)

	kind := "read"
	if req.write {
		kind = "write"
	}

	latency := t.now().Sub(req.start).Seconds()

	s := t.stats[kind]
	s.Average = (s.Average*float64(s.Count) + latency) / float64(s.Count+1)
	s.Count++
	if latency > s.Max {
		s.Max = latency
	}
	t.stats[kind] = s
}

// InFlight returns the number of transactions issued but not completed.
func (t *LatencyTracer) InFlight() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.inflight)
}

// Stats returns the statistics per transaction kind.
func (t *LatencyTracer) Stats() map[string]LatencyStats {
	t.lock.Lock()
	defer t.lock.Unlock()

	stats := make(map[string]LatencyStats, len(t.stats))
	for k, v := range t.stats {
		stats[k] = v
	}

	return stats
}
