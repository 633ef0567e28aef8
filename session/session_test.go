package session_test

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/sarchlab/ase/hooking"
	"github.com/sarchlab/ase/mmio"
	"github.com/sarchlab/ase/poll"
	"github.com/sarchlab/ase/portctrl"
	"github.com/sarchlab/ase/session"
	"github.com/sarchlab/ase/shm"
	"github.com/sarchlab/ase/simpeer"
	"github.com/sarchlab/ase/umsg"
	"golang.org/x/sys/unix"
)

var _ = Describe("Session", func() {
	var (
		ctx       context.Context
		workdir   string
		caps      portctrl.Capability
		startPeer bool
		timeout   time.Duration
		peer      *simpeer.Peer
		s         *session.Session

		fatalLock sync.Mutex
		fatals    []error
	)

	quiet := log.New(io.Discard, "", 0)

	fatalErrors := func() []error {
		fatalLock.Lock()
		defer fatalLock.Unlock()
		return append([]error(nil), fatals...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		workdir = GinkgoT().TempDir()
		caps = portctrl.Supported(true, true, false)
		startPeer = true
		timeout = 2 * time.Second
		fatals = nil
	})

	JustBeforeEach(func() {
		if startPeer {
			peer = simpeer.MakeBuilder().
				WithWorkDir(workdir).
				WithCapability(caps).
				WithPollInterval(time.Microsecond).
				WithLogger(quiet).
				Build("Peer")
			Expect(peer.Start()).To(Succeed())
		}

		cfg := session.DefaultConfig()
		cfg.WorkDir = workdir
		cfg.ResponseTimeout = timeout
		cfg.ReadyTimeout = timeout
		cfg.PollInterval = time.Microsecond

		s = session.MakeBuilder().
			WithConfig(cfg).
			WithLogger(quiet).
			WithoutSignalHandling().
			WithFatalHandler(func(err error) {
				fatalLock.Lock()
				fatals = append(fatals, err)
				fatalLock.Unlock()
			}).
			Build("Session")
	})

	AfterEach(func() {
		s.Deinit()
		if startPeer {
			Expect(peer.Stop()).To(Succeed())
		}
	})

	It("should run the basic scenario", func() {
		Expect(s.Init(ctx)).To(Succeed())

		buf, err := s.Allocate(ctx, 4096)
		Expect(err).To(BeNil())
		Expect(buf.Index).To(Equal(int32(0)))
		Expect(buf.Valid).To(BeTrue())
		Expect(buf.PeerBase).NotTo(BeZero())

		Expect(s.Write32(ctx, 0x10, 0xCAFEBABE)).To(Succeed())
		v, err := s.Read32(ctx, 0x10)
		Expect(err).To(BeNil())
		Expect(v).To(Equal(uint32(0xCAFEBABE)))

		Expect(s.DeallocateByIndex(ctx, buf.Index)).To(BeTrue())
		Expect(s.DeallocateByIndex(ctx, buf.Index)).To(BeFalse())

		s.Deinit()
		s.Deinit()
		Expect(s.State()).To(Equal(session.NotEstablished))
		Expect(fatalErrors()).To(BeEmpty())
	})

	It("should not redo an established session", func() {
		Expect(s.Init(ctx)).To(Succeed())
		ts := s.Timestamp()

		Expect(s.Init(ctx)).To(Succeed())

		Expect(peer.Stats().Inits).To(Equal(1))
		Expect(peer.Stats().Regions).To(Equal(2))
		Expect(s.Timestamp()).To(Equal(ts))
	})

	It("should establish the session on the first allocation", func() {
		Expect(s.Established()).To(BeFalse())

		buf, err := s.Allocate(ctx, 8192)

		Expect(err).To(BeNil())
		Expect(s.Established()).To(BeTrue())
		Expect(buf.Name).To(Equal(shm.NameFor(shm.RoleBuffer, 0, s.Timestamp())))
	})

	It("should share buffer contents with the simulator", func() {
		buf, err := s.Allocate(ctx, 4096)
		Expect(err).To(BeNil())

		peerView := &shm.Region{Name: buf.Name, Size: buf.Size}
		Expect(shm.Attach(peerView)).To(Succeed())
		defer shm.Unmap(peerView)

		buf.Store64(128, 0x0123456789ABCDEF)
		Expect(peerView.Load64(128)).To(Equal(uint64(0x0123456789ABCDEF)))
	})

	It("should hand out increasing buffer indices", func() {
		a, err := s.Allocate(ctx, 4096)
		Expect(err).To(BeNil())
		b, err := s.Allocate(ctx, 4096)
		Expect(err).To(BeNil())

		Expect(s.Deallocate(ctx, a)).To(Succeed())
		c, err := s.Allocate(ctx, 4096)
		Expect(err).To(BeNil())

		Expect(b.Index).To(Equal(a.Index + 1))
		Expect(c.Index).To(Equal(b.Index + 1))
		Expect(s.Deallocate(ctx, a)).NotTo(Succeed())
	})

	It("should give up a buffer the simulator cannot map", func() {
		Expect(s.Init(ctx)).To(Succeed())
		peer.RefuseBuffers(true)

		buf, err := s.Allocate(ctx, 4096)

		Expect(err).To(HaveOccurred())
		Expect(buf).To(BeNil())
		Expect(fatalErrors()).To(HaveLen(1))
		Expect(s.Registry().Live()).To(BeEmpty())
		Expect(shm.Path(shm.NameFor(shm.RoleBuffer, 0, s.Timestamp()))).
			NotTo(BeAnExistingFile())
		Expect(peer.Stats().Regions).To(Equal(2))
	})

	It("should allocate from several goroutines", func() {
		Expect(s.Init(ctx)).To(Succeed())

		var wg sync.WaitGroup
		indices := make(chan int32, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				r, err := s.Allocate(ctx, 4096)
				Expect(err).To(BeNil())
				indices <- r.Index
			}()
		}
		wg.Wait()
		close(indices)

		seen := map[int32]bool{}
		for idx := range indices {
			Expect(seen).NotTo(HaveKey(idx))
			seen[idx] = true
		}
		Expect(peer.Stats().Regions).To(Equal(10))
	})

	It("should round trip 64-bit registers", func() {
		Expect(s.Init(ctx)).To(Succeed())

		Expect(s.Write64(ctx, 0x40, 0x1122334455667788)).To(Succeed())
		v, err := s.Read64(ctx, 0x40)

		Expect(err).To(BeNil())
		Expect(v).To(Equal(uint64(0x1122334455667788)))
	})

	It("should keep transaction ids distinct under load", func() {
		Expect(s.Init(ctx)).To(Succeed())

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				off := int64(8 * i)
				for j := 0; j < 20; j++ {
					Expect(s.Write64(ctx, off, uint64(i*1000+j))).To(Succeed())
					v, err := s.Read64(ctx, off)
					Expect(err).To(BeNil())
					Expect(v).To(Equal(uint64(i*1000 + j)))
				}
			}(i)
		}
		wg.Wait()

		Expect(s.Bridge().Drain(ctx)).To(Succeed())
		Expect(fatalErrors()).To(BeEmpty())
	})

	It("should refuse MMIO without a session", func() {
		Expect(s.Write32(ctx, 0, 1)).To(MatchError(session.ErrNotEstablished))
		_, err := s.Read32(ctx, 0)
		Expect(err).To(MatchError(session.ErrNotEstablished))
	})

	Context("when the simulator stops answering MMIO", func() {
		BeforeEach(func() {
			timeout = 200 * time.Millisecond
		})

		It("should time out the read", func() {
			Expect(s.Init(ctx)).To(Succeed())
			peer.MuteMMIO(true)

			_, err := s.Read32(ctx, 0x10)

			Expect(poll.IsTimeout(err)).To(BeTrue())
			Expect(fatalErrors()).To(BeEmpty())
		})
	})

	It("should forward UMsgs", func() {
		Expect(s.Init(ctx)).To(Succeed())

		var line umsg.Line
		line[0] = 0x5A
		Expect(s.SendUMsg(2, line)).To(Succeed())

		Eventually(peer.UMsgs).Should(HaveLen(1))
		Expect(peer.UMsgs()[0].ID).To(Equal(uint32(2)))
		Expect(peer.UMsgs()[0].Payload).To(Equal(line))
		Consistently(peer.UMsgs, 20*time.Millisecond).Should(HaveLen(1))
	})

	It("should signal the eventfd bound to a raised interrupt", func() {
		efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		Expect(err).To(BeNil())
		defer unix.Close(efd)

		Expect(s.Init(ctx)).To(Succeed())
		Expect(s.RegisterInterrupt(3, efd)).To(Succeed())

		Expect(peer.RaiseInterrupt(3)).To(Succeed())

		Eventually(func() uint64 {
			var b [8]byte
			if n, err := unix.Read(efd, b[:]); err != nil || n != 8 {
				return 0
			}
			return binary.NativeEndian.Uint64(b[:])
		}).Should(Equal(uint64(1)))

		Expect(s.UnregisterInterrupt(3)).To(BeTrue())
		Expect(s.UnregisterInterrupt(3)).To(BeFalse())
	})

	It("should run hooks on allocation and MMIO", func() {
		var lock sync.Mutex
		var positions []*hooking.HookPos
		s.AcceptHook(hooking.HookFunc(func(c hooking.HookCtx) {
			lock.Lock()
			positions = append(positions, c.Pos)
			lock.Unlock()
		}))

		_, err := s.Allocate(ctx, 4096)
		Expect(err).To(BeNil())
		Expect(s.Write32(ctx, 0, 1)).To(Succeed())

		Eventually(func() []*hooking.HookPos {
			lock.Lock()
			defer lock.Unlock()
			return append([]*hooking.HookPos(nil), positions...)
		}).Should(ContainElements(
			session.HookPosRegionAlloc, mmio.HookPosIssue, mmio.HookPosComplete))
	})

	It("should release everything at teardown", func() {
		buf, err := s.Allocate(ctx, 4096)
		Expect(err).To(BeNil())
		mmioBase := s.MMIOBase()
		Expect(mmioBase).NotTo(BeZero())
		Expect(s.PeerMMIOBase()).NotTo(BeZero())

		s.Deinit()

		Expect(buf.Mapped()).To(BeFalse())
		Expect(shm.Path(buf.Name)).NotTo(BeAnExistingFile())
		Expect(session.LockFilePath(workdir)).NotTo(BeAnExistingFile())
		Expect(peer.Stats().Regions).To(BeZero())
		Expect(peer.Stats().Kills).To(Equal(1))
		Expect(s.MMIOBase()).To(BeZero())
	})

	It("should start again after a teardown", func() {
		Expect(s.Init(ctx)).To(Succeed())
		s.Deinit()

		Expect(s.Init(ctx)).To(Succeed())

		Expect(s.Write32(ctx, 0x8, 7)).To(Succeed())
		Expect(s.Read32(ctx, 0x8)).To(Equal(uint32(7)))
		Expect(peer.Stats().Inits).To(Equal(2))
	})

	It("should report its status", func() {
		_, err := s.Allocate(ctx, 4096)
		Expect(err).To(BeNil())

		st := s.Status()

		Expect(st.State).To(Equal("Established"))
		Expect(st.Capabilities.UMsg).To(BeTrue())
		Expect(st.Regions).To(HaveLen(3))
		Expect(st.Outstanding).To(BeNumerically(">=", 0))
	})

	It("should pass the UMsg hint mask to the simulator", func() {
		Expect(s.Init(ctx)).To(Succeed())

		Expect(peer.Stats().HintMask).To(BeZero())
	})

	Context("with a simulator that supports 512-bit MMIO", func() {
		BeforeEach(func() {
			caps = portctrl.Supported(true, false, true)
		})

		It("should round trip a 512-bit block", func() {
			Expect(s.Init(ctx)).To(Succeed())
			data := [8]uint64{1, 2, 3, 4, 5, 6, 7, 8}

			Expect(s.Write512(ctx, 0x100, data)).To(Succeed())
			got, err := s.Read512(ctx, 0x100)

			Expect(err).To(BeNil())
			Expect(got).To(Equal(data))
		})
	})

	Context("with a simulator speaking another protocol", func() {
		BeforeEach(func() {
			caps = portctrl.Supported(true, true, true)
			caps.Magic = 0xBAD
		})

		It("should turn every optional feature off", func() {
			Expect(s.Init(ctx)).To(Succeed())

			c := s.Capabilities()
			Expect(c.UMsg || c.Intr || c.MMIO512).To(BeFalse())
			Expect(s.Write512(ctx, 0, [8]uint64{})).
				To(MatchError(mmio.ErrWideUnsupported))
		})
	})

	Context("when a live process owns the working directory", func() {
		var other *exec.Cmd

		BeforeEach(func() {
			other = exec.Command("sleep", "30")
			Expect(other.Start()).To(Succeed())
			DeferCleanup(func() {
				_ = other.Process.Kill()
				_ = other.Wait()
			})

			Expect(os.WriteFile(session.LockFilePath(workdir),
				[]byte(strconv.Itoa(other.Process.Pid)), 0o644)).To(Succeed())
		})

		It("should abort without touching the lock", func() {
			err := s.Init(ctx)

			Expect(errors.Is(err, session.ErrSessionBusy)).To(BeTrue())
			Expect(fatalErrors()).To(HaveLen(1))
			Expect(s.Established()).To(BeFalse())

			pid, err := session.ReadLock(session.LockFilePath(workdir))
			Expect(err).To(BeNil())
			Expect(pid).To(Equal(other.Process.Pid))
		})
	})

	Context("when a dead process left its lock", func() {
		BeforeEach(func() {
			cmd := exec.Command("true")
			Expect(cmd.Run()).To(Succeed())

			Expect(os.WriteFile(session.LockFilePath(workdir),
				[]byte(strconv.Itoa(cmd.Process.Pid)), 0o644)).To(Succeed())
		})

		It("should take over the directory", func() {
			Expect(s.Init(ctx)).To(Succeed())

			pid, err := session.ReadLock(session.LockFilePath(workdir))
			Expect(err).To(BeNil())
			Expect(pid).To(Equal(os.Getpid()))
		})
	})

	Context("without a simulator", func() {
		BeforeEach(func() {
			startPeer = false
			timeout = 100 * time.Millisecond
		})

		It("should report the failure and clean up", func() {
			err := s.Init(ctx)

			Expect(err).To(HaveOccurred())
			Expect(fatalErrors()).To(HaveLen(1))
			Expect(s.Established()).To(BeFalse())
			Expect(session.LockFilePath(workdir)).NotTo(BeAnExistingFile())
		})
	})
})

var _ = Describe("Exit", func() {
	It("should tear an established session down on atexit.Exit", func() {
		dir := GinkgoT().TempDir()

		cmd := exec.Command(os.Args[0], "-test.run=^TestSession$")
		cmd.Env = append(os.Environ(), exitChildEnv+"="+dir)
		Expect(cmd.Start()).To(Succeed())
		DeferCleanup(func() {
			_ = cmd.Process.Kill()
		})

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		var err error
		Eventually(done, 10*time.Second).Should(Receive(&err))

		var exitErr *exec.ExitError
		Expect(errors.As(err, &exitErr)).To(BeTrue())
		Expect(exitErr.ExitCode()).To(Equal(exitChildCode))
		Expect(session.LockFilePath(dir)).NotTo(BeAnExistingFile())
	})
})
