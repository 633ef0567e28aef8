package simpeer_test

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rs/xid"
	"github.com/sarchlab/ase/eventreg"
	"github.com/sarchlab/ase/ipc"
	"github.com/sarchlab/ase/mmio"
	"github.com/sarchlab/ase/portctrl"
	"github.com/sarchlab/ase/session"
	"github.com/sarchlab/ase/shm"
	"github.com/sarchlab/ase/simpeer"
	"github.com/sarchlab/ase/umsg"
)

var _ = Describe("Peer", func() {
	var (
		dir      string
		peer     *simpeer.Peer
		channels *ipc.Set
		control  *portctrl.Client
		ctx      context.Context
		quiet    *log.Logger
	)

	receive := func(id ipc.ID, size int) []byte {
		buf := make([]byte, size)
		err := ipc.Receive(ctx, channels.Get(id), buf,
			10*time.Microsecond, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())

		return buf
	}

	allocate := func(r *shm.Region) *shm.Region {
		Expect(channels.Get(ipc.AllocReq).
			Send(shm.MarshalDescriptor(r))).To(Succeed())

		rsp, err := shm.UnmarshalDescriptor(
			receive(ipc.AllocRsp, shm.DescriptorSize))
		Expect(err).NotTo(HaveOccurred())

		return rsp
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		ctx = context.Background()
		quiet = log.New(io.Discard, "", 0)

		peer = simpeer.MakeBuilder().
			WithWorkDir(dir).
			WithPollInterval(10 * time.Microsecond).
			WithLogger(quiet).
			Build("Sim")
		Expect(peer.Start()).To(Succeed())

		var err error
		channels, err = ipc.OpenSet(dir, ipc.AppSide, quiet)
		Expect(err).NotTo(HaveOccurred())

		control = portctrl.NewClient(
			channels.Get(ipc.PortCtrlReq), channels.Get(ipc.PortCtrlRsp),
			10*time.Microsecond, 5*time.Second, quiet)

		DeferCleanup(func() {
			Expect(peer.Stop()).To(Succeed())
			Expect(channels.Close()).To(Succeed())
		})
	})

	It("should publish the ready marker on init", func() {
		caps, err := control.Do(ctx, portctrl.ASEInit, int64(os.Getpid()))

		Expect(err).NotTo(HaveOccurred())
		Expect(caps).To(Equal(portctrl.Supported(true, true, false)))
		Expect(peer.Timestamp()).NotTo(BeEmpty())

		b, err := os.ReadFile(filepath.Join(dir, session.ReadyMarkerName))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(Equal(peer.Timestamp() + "\n"))
		Expect(peer.Stats().Inits).To(Equal(1))
	})

	It("should remove the marker on kill", func() {
		_, err := control.Do(ctx, portctrl.ASEInit, 1)
		Expect(err).NotTo(HaveOccurred())

		_, err = control.Do(ctx, portctrl.ASESimKill, 0)
		Expect(err).NotTo(HaveOccurred())

		_, err = os.Stat(filepath.Join(dir, session.ReadyMarkerName))
		Expect(os.IsNotExist(err)).To(BeTrue())
		Expect(peer.Timestamp()).To(BeEmpty())
		Expect(peer.Stats().Kills).To(Equal(1))
	})

	It("should remember the hint mask", func() {
		_, err := control.Do(ctx, portctrl.UMsgMode, 0x5)

		Expect(err).NotTo(HaveOccurred())
		Expect(peer.Stats().HintMask).To(Equal(uint32(0x5)))
	})

	It("should attach regions and place them in physical memory", func() {
		a := shm.NewRegion(shm.RoleBuffer, 4096)
		a.Index = 0
		a.Name = shm.NameFor(shm.RoleBuffer, 0, xid.New().String())
		Expect(shm.Create(a)).To(Succeed())
		DeferCleanup(func() {
			_ = shm.Unmap(a)
			_ = shm.Remove(a.Name)
		})

		b := shm.NewRegion(shm.RoleBuffer, 4096)
		b.Index = 1
		b.Name = shm.NameFor(shm.RoleBuffer, 1, xid.New().String())
		Expect(shm.Create(b)).To(Succeed())
		DeferCleanup(func() {
			_ = shm.Unmap(b)
			_ = shm.Remove(b.Name)
		})

		rspA := allocate(a)
		rspB := allocate(b)

		Expect(rspA.Valid).To(BeTrue())
		Expect(rspA.PeerBase).NotTo(BeZero())
		Expect(rspA.PhysHi - rspA.PhysLo).To(Equal(uint64(4096)))
		Expect(rspB.PhysLo % (1 << 21)).To(BeZero())
		Expect(rspB.PhysLo).To(BeNumerically(">=", rspA.PhysHi))
		Expect(peer.Stats().Regions).To(Equal(2))

		Expect(channels.Get(ipc.DeallocReq).
			Send(shm.MarshalDescriptor(a))).To(Succeed())
		rsp, err := shm.UnmarshalDescriptor(
			receive(ipc.DeallocRsp, shm.DescriptorSize))
		Expect(err).NotTo(HaveOccurred())
		Expect(rsp.Valid).To(BeFalse())
		Expect(peer.Stats().Regions).To(Equal(1))
	})

	It("should refuse regions it cannot attach", func() {
		r := shm.NewRegion(shm.RoleBuffer, 4096)
		r.Index = 0
		r.Name = shm.NameFor(shm.RoleBuffer, 0, xid.New().String())
		r.Valid = true

		rsp := allocate(r)

		Expect(rsp.Valid).To(BeFalse())
		Expect(peer.Stats().Regions).To(Equal(0))
	})

	It("should answer buffers as unmapped when told to refuse them", func() {
		peer.RefuseBuffers(true)

		r := shm.NewRegion(shm.RoleBuffer, 4096)
		r.Index = 2
		r.Name = shm.NameFor(shm.RoleBuffer, 2, xid.New().String())
		r.Valid = true
		Expect(shm.Create(r)).To(Succeed())
		DeferCleanup(func() {
			_ = shm.Unmap(r)
			_ = shm.Remove(r.Name)
		})

		rsp := allocate(r)

		Expect(rsp.Index).To(Equal(int32(2)))
		Expect(rsp.Valid).To(BeFalse())
		Expect(rsp.PhysHi).To(BeZero())
		Expect(peer.Stats().Regions).To(Equal(0))
	})

	It("should reflect MMIO through the window", func() {
		w := shm.NewRegion(shm.RoleMMIO, session.MMIOLength)
		w.Index = session.MMIOIndex
		w.Name = shm.NameFor(shm.RoleMMIO, 0, xid.New().String())
		Expect(shm.Create(w)).To(Succeed())
		DeferCleanup(func() {
			_ = shm.Unmap(w)
			_ = shm.Remove(w.Name)
		})
		allocate(w)

		write := mmio.Packet{TID: 1, Write: true, Width: mmio.Width64,
			Offset: 0x20}
		write.Data[0] = 0xabcdef
		Expect(channels.Get(ipc.MMIOReq).Send(write.Marshal())).To(Succeed())

		ack, err := mmio.UnmarshalPacket(receive(ipc.MMIORsp, mmio.PacketSize))
		Expect(err).NotTo(HaveOccurred())
		Expect(ack.TID).To(Equal(uint32(1)))
		Expect(w.Load64(session.MMIOAFUOffset + 0x20)).
			To(Equal(uint64(0xabcdef)))

		read := mmio.Packet{TID: 2, Width: mmio.Width64, Offset: 0x20}
		Expect(channels.Get(ipc.MMIOReq).Send(read.Marshal())).To(Succeed())

		rsp, err := mmio.UnmarshalPacket(receive(ipc.MMIORsp, mmio.PacketSize))
		Expect(err).NotTo(HaveOccurred())
		Expect(rsp.TID).To(Equal(uint32(2)))
		Expect(rsp.Data[0]).To(Equal(uint64(0xabcdef)))
		Expect(peer.Stats().MMIOReqs).To(Equal(2))
	})

	It("should collect UMsgs", func() {
		m := umsg.Message{ID: 3, Hint: true}
		m.Payload[0] = 0x7f
		Expect(channels.Get(ipc.UMsgSend).Send(m.Marshal())).To(Succeed())

		Eventually(peer.UMsgs).Should(HaveLen(1))
		Expect(peer.UMsgs()[0]).To(Equal(m))
	})

	It("should raise interrupts", func() {
		Expect(peer.RaiseInterrupt(6)).To(Succeed())

		n, err := eventreg.UnmarshalNotification(
			receive(ipc.IntrNotify, eventreg.NotificationSize))
		Expect(err).NotTo(HaveOccurred())
		Expect(n.Vector).To(Equal(uint32(6)))
	})
})
