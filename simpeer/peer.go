// Package simpeer is a loopback stand-in for the simulator. It speaks the
// simulator side of the session protocol: it answers port control, attaches
// regions, reflects MMIO through the shared window and collects UMsgs. It
// models no AFU.
package simpeer

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sarchlab/ase/eventreg"
	"github.com/sarchlab/ase/ipc"
	"github.com/sarchlab/ase/mmio"
	"github.com/sarchlab/ase/portctrl"
	"github.com/sarchlab/ase/session"
	"github.com/sarchlab/ase/shm"
	"github.com/sarchlab/ase/umsg"
)

const physBase = 0x1_0000_0000

// Peer is a loopback simulator.
type Peer struct {
	name      string
	workdir   string
	caps      portctrl.Capability
	afuOffset uint64
	interval  time.Duration
	logger    *log.Logger

	channels *ipc.Set

	lock      sync.Mutex
	timestamp string
	regions   map[int32]*shm.Region
	window    *shm.Region
	nextPhys  uint64
	hintMask  uint32
	umsgs     []umsg.Message
	inits     int
	kills     int
	mmioReqs  int
	muteMMIO  bool
	refuse    bool

	stop    atomic.Bool
	running sync.WaitGroup
}

// Name returns the name of the peer.
func (p *Peer) Name() string {
	return p.name
}

// Start creates the pipes, opens the simulator ends and starts serving.
func (p *Peer) Start() error {
	if err := os.MkdirAll(p.workdir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", p.workdir)
	}

	if err := ipc.MakeFIFOs(p.workdir); err != nil {
		return err
	}

	p.removeMarker()

	channels, err := ipc.OpenSet(p.workdir, ipc.SimSide, p.logger)
	if err != nil {
		return err
	}
	p.channels = channels

	p.stop.Store(false)
	p.running.Add(1)
	go p.serve()

	return nil
}

// Stop ends serving, drops every attached region and closes the pipes.
func (p *Peer) Stop() error {
	p.stop.Store(true)
	p.running.Wait()

	p.lock.Lock()
	p.detachAll()
	p.lock.Unlock()

	p.removeMarker()

	if p.channels == nil {
		return nil
	}

	err := p.channels.Close()
	p.channels = nil

	return err
}

func (p *Peer) serve() {
	defer p.running.Done()

	handlers := []struct {
		id     ipc.ID
		size   int
		handle func([]byte) error
	}{
		{ipc.PortCtrlReq, portctrl.RequestSize, p.handlePortCtrl},
		{ipc.AllocReq, shm.DescriptorSize, p.handleAlloc},
		{ipc.DeallocReq, shm.DescriptorSize, p.handleDealloc},
		{ipc.MMIOReq, mmio.PacketSize, p.handleMMIO},
		{ipc.UMsgSend, umsg.MessageSize, p.handleUMsg},
	}

	bufs := make([][]byte, len(handlers))
	for i, h := range handlers {
		bufs[i] = make([]byte, h.size)
	}

	for !p.stop.Load() {
		progress := false

		for i, h := range handlers {
			res, err := p.channels.Get(h.id).TryReceive(bufs[i])
			switch res {
			case ipc.Failed:
				p.logger.Printf("receive on %s: %v", h.id, err)
			case ipc.Message:
				progress = true
				if err := h.handle(bufs[i]); err != nil {
					p.logger.Printf("%s: %v", h.id, err)
				}
			}
		}

		if !progress {
			time.Sleep(p.interval)
		}
	}
}

func (p *Peer) handlePortCtrl(b []byte) error {
	cmd, value, err := portctrl.DecodeRequest(b)
	if err != nil {
		return err
	}

	p.lock.Lock()
	switch cmd {
	case portctrl.ASEInit:
		p.inits++
		err = p.writeMarker()
	case portctrl.UMsgMode:
		p.hintMask = uint32(value)
	case portctrl.ASESimKill:
		p.kills++
		p.detachAll()
		p.removeMarker()
		p.timestamp = ""
	}
	p.lock.Unlock()

	if err != nil {
		return err
	}

	return p.channels.Get(ipc.PortCtrlRsp).Send(p.caps.Marshal())
}

// writeMarker publishes a fresh session timestamp. The file is renamed into
// place so that the application never reads a partial timestamp.
func (p *Peer) writeMarker() error {
	p.timestamp = xid.New().String()

	path := filepath.Join(p.workdir, session.ReadyMarkerName)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, []byte(p.timestamp+"\n"), 0o644); err != nil {
		return errors.Wrap(err, "write ready marker")
	}

	return errors.Wrap(os.Rename(tmp, path), "publish ready marker")
}

func (p *Peer) removeMarker() {
	path := filepath.Join(p.workdir, session.ReadyMarkerName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.logger.Printf("remove ready marker: %v", err)
	}
}

func (p *Peer) handleAlloc(b []byte) error {
	r, err := shm.UnmarshalDescriptor(b)
	if err != nil {
		return err
	}

	p.lock.Lock()
	refuse := p.refuse && r.Index >= 0
	p.lock.Unlock()

	if refuse {
		r.Valid = false
		return p.channels.Get(ipc.AllocRsp).Send(shm.MarshalDescriptor(r))
	}

	if err := shm.Attach(r); err != nil {
		p.logger.Printf("attach region %d: %v", r.Index, err)
		r.Valid = false
	} else {
		r.Valid = true

		p.lock.Lock()
		r.PeerBase = r.LocalBase
		r.PhysLo = p.nextPhys
		r.PhysHi = r.PhysLo + r.Size
		p.nextPhys = alignUp(r.PhysHi, 1<<21)
		p.regions[r.Index] = r
		if r.IsMMIO {
			p.window = r
		}
		p.lock.Unlock()
	}

	return p.channels.Get(ipc.AllocRsp).Send(shm.MarshalDescriptor(r))
}

func (p *Peer) handleDealloc(b []byte) error {
	r, err := shm.UnmarshalDescriptor(b)
	if err != nil {
		return err
	}

	p.lock.Lock()
	if attached, ok := p.regions[r.Index]; ok {
		p.detach(attached)
	}
	p.lock.Unlock()

	r.Valid = false

	return p.channels.Get(ipc.DeallocRsp).Send(shm.MarshalDescriptor(r))
}

func (p *Peer) detach(r *shm.Region) {
	if err := shm.Unmap(r); err != nil {
		p.logger.Printf("%v", err)
	}

	delete(p.regions, r.Index)

	if r == p.window {
		p.window = nil
	}
}

func (p *Peer) detachAll() {
	for _, r := range p.regions {
		p.detach(r)
	}
}

// handleMMIO applies writes to the window and answers reads from it.
func (p *Peer) handleMMIO(b []byte) error {
	req, err := mmio.UnmarshalPacket(b)
	if err != nil {
		return err
	}

	p.lock.Lock()
	p.mmioReqs++
	mute := p.muteMMIO
	window := p.window
	if window == nil {
		p.lock.Unlock()
		return errors.Errorf("MMIO %v before the window was allocated", req)
	}
	p.access(window, &req)
	p.lock.Unlock()

	if mute {
		return nil
	}

	req.Response = true

	return p.channels.Get(ipc.MMIORsp).Send(req.Marshal())
}

func (p *Peer) access(window *shm.Region, req *mmio.Packet) {
	base := p.afuOffset + req.Offset

	switch req.Width {
	case mmio.Width32:
		if req.Write {
			window.Store32(base, uint32(req.Data[0]))
		} else {
			req.Data[0] = uint64(window.Load32(base))
		}
	case mmio.Width64:
		if req.Write {
			window.Store64(base, req.Data[0])
		} else {
			req.Data[0] = window.Load64(base)
		}
	case mmio.Width512:
		for i := range req.Data {
			if req.Write {
				window.Store64(base+uint64(8*i), req.Data[i])
			} else {
				req.Data[i] = window.Load64(base + uint64(8*i))
			}
		}
	}
}

func (p *Peer) handleUMsg(b []byte) error {
	m, err := umsg.UnmarshalMessage(b)
	if err != nil {
		return err
	}

	p.lock.Lock()
	p.umsgs = append(p.umsgs, m)
	p.lock.Unlock()

	return nil
}

// RaiseInterrupt notifies the application that vector fired.
func (p *Peer) RaiseInterrupt(vector uint32) error {
	n := eventreg.Notification{Vector: vector}
	return p.channels.Get(ipc.IntrNotify).Send(n.Marshal())
}

// RefuseBuffers makes the peer answer buffer allocations as unmapped.
func (p *Peer) RefuseBuffers(refuse bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.refuse = refuse
}

// MuteMMIO makes the peer swallow MMIO requests without answering.
func (p *Peer) MuteMMIO(mute bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.muteMMIO = mute
}

// Stats is what the peer has seen so far.
type Stats struct {
	Inits    int
	Kills    int
	MMIOReqs int
	Regions  int
	HintMask uint32
}

// Stats returns the counters of the peer.
func (p *Peer) Stats() Stats {
	p.lock.Lock()
	defer p.lock.Unlock()

	return Stats{
		Inits:    p.inits,
		Kills:    p.kills,
		MMIOReqs: p.mmioReqs,
		Regions:  len(p.regions),
		HintMask: p.hintMask,
	}
}

// UMsgs returns the UMsgs received so far.
func (p *Peer) UMsgs() []umsg.Message {
	p.lock.Lock()
	defer p.lock.Unlock()

	return append([]umsg.Message(nil), p.umsgs...)
}

// Timestamp returns the timestamp of the current session, or an empty
// string when no session is established.
func (p *Peer) Timestamp() string {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.timestamp
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
