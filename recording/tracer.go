package recording

import (
	"fmt"
	"sync"
	"time"

	"github.com/sarchlab/ase/hooking"
	"github.com/sarchlab/ase/mmio"
	"github.com/sarchlab/ase/session"
	"github.com/sarchlab/ase/shm"
	"github.com/sarchlab/ase/umsg"
)

// Table names used by the Tracer.
const (
	MMIOTable   = "mmio"
	RegionTable = "region"
	UMsgTable   = "umsg"
)

// MMIOEntry is one completed MMIO transaction. Times are seconds since the
// tracer was created.
type MMIOEntry struct {
	Domain   string
	TID      uint32
	Kind     string
	Width    uint32
	Offset   int64
	Data     string
	Issue    float64
	Complete float64
}

// RegionEntry is one allocation or release.
type RegionEntry struct {
	Event    string
	Index    int32
	Name     string
	Size     int64
	PeerBase string
	Time     float64
}

// UMsgEntry is one forwarded UMsg.
type UMsgEntry struct {
	Line    uint32
	Hint    bool
	Payload string
	Time    float64
}

// Tracer is a hook that records bridge activity.
type Tracer struct {
	recorder DataRecorder
	start    time.Time

	lock    sync.Mutex
	pending map[uint32]pendingMMIO
}

type pendingMMIO struct {
	packet mmio.Packet
	issue  float64
}

// NewTracer creates a tracer and the tables it writes.
func NewTracer(recorder DataRecorder) *Tracer {
	recorder.CreateTable(MMIOTable, MMIOEntry{})
	recorder.CreateTable(RegionTable, RegionEntry{})
	recorder.CreateTable(UMsgTable, UMsgEntry{})

	return &Tracer{
		recorder: recorder,
		start:    time.Now(),
		pending:  make(map[uint32]pendingMMIO),
	}
}

func (t *Tracer) now() float64 {
	return time.Since(t.start).Seconds()
}

// Func records the event described by ctx.
func (t *Tracer) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case mmio.HookPosIssue:
		t.issue(ctx.Item.(mmio.Packet))
	case mmio.HookPosComplete:
		t.complete(domainName(ctx.Domain), ctx.Item.(mmio.Packet))
	case session.HookPosRegionAlloc:
		t.region("alloc", ctx.Item.(*shm.Region))
	case session.HookPosRegionFree:
		t.region("free", ctx.Item.(*shm.Region))
	case umsg.HookPosForward:
		t.umsg(ctx.Item.(umsg.Message))
	}
}

func (t *Tracer) issue(p mmio.Packet) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.pending[p.TID] = pendingMMIO{packet: p, issue: t.now()}
}

func (t *Tracer) complete(domain string, rsp mmio.Packet) {
	t.lock.Lock()
	req, ok := t.pending[rsp.TID]
	delete(t.pending, rsp.TID)
	t.lock.Unlock()

	if !ok {
		req = pendingMMIO{packet: rsp, issue: -1}
	}

	kind := "read"
	data := rsp.Data[0]
	if req.packet.Write {
		kind = "write"
		data = req.packet.Data[0]
	}

	t.recorder.InsertData(MMIOTable, MMIOEntry{
		Domain:   domain,
		TID:      rsp.TID,
		Kind:     kind,
		Width:    req.packet.Width,
		Offset:   int64(req.packet.Offset),
		Data:     fmt.Sprintf("0x%x", data),
		Issue:    req.issue,
		Complete: t.now(),
	})
}

func (t *Tracer) region(event string, r *shm.Region) {
	t.recorder.InsertData(RegionTable, RegionEntry{
		Event:    event,
		Index:    r.Index,
		Name:     r.Name,
		Size:     int64(r.Size),
		PeerBase: fmt.Sprintf("0x%x", r.PeerBase),
		Time:     t.now(),
	})
}

func (t *Tracer) umsg(m umsg.Message) {
	t.recorder.InsertData(UMsgTable, UMsgEntry{
		Line:    m.ID,
		Hint:    m.Hint,
		Payload: fmt.Sprintf("%x", m.Payload[:]),
		Time:    t.now(),
	})
}

type named interface {
	Name() string
}

func domainName(d hooking.Hookable) string {
	if n, ok := d.(named); ok {
		return n.Name()
	}

	return ""
}
