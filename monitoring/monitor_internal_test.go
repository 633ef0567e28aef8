package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ase/hooking"
	"github.com/sarchlab/ase/mmio"
	"github.com/sarchlab/ase/portctrl"
	"github.com/sarchlab/ase/recording"
	"github.com/sarchlab/ase/session"
	"github.com/sarchlab/ase/shm"
)

type sampleTarget struct {
	name   string
	status session.Status
	Depth  int
}

func (t *sampleTarget) Name() string {
	return t.name
}

func (t *sampleTarget) Status() session.Status {
	return t.status
}

func newSampleTarget() *sampleTarget {
	return &sampleTarget{
		name: "App",
		status: session.Status{
			Name:         "App",
			State:        session.Established.String(),
			WorkDir:      "/tmp/ase",
			Timestamp:    "c0ffee",
			Capabilities: portctrl.Supported(true, false, false),
			Slots: []mmio.SlotStatus{
				{Index: 0},
				{Index: 1, TID: 7, Sent: true},
				{Index: 2, TID: 3, Sent: true, Received: true},
				{Index: 3},
			},
			Regions: []session.RegionStatus{
				{Index: session.MMIOIndex, Name: "mmio.c0ffee", Role: "mmio"},
				{Index: 0, Name: "buf0.c0ffee", Size: 4096, Valid: true,
					Role: "buffer"},
			},
		},
		Depth: 3,
	}
}

var _ = Describe("Monitor", func() {
	var (
		m      *Monitor
		target *sampleTarget
	)

	serve := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		m.Router().ServeHTTP(rec, req)

		return rec
	}

	BeforeEach(func() {
		m = NewMonitor().WithProfileDuration(10 * time.Millisecond)
		target = newSampleTarget()
	})

	It("should fall back to a random port for privileged ports", func() {
		m.WithPortNumber(80)
		Expect(m.portNumber).To(Equal(0))

		m.WithPortNumber(8080)
		Expect(m.portNumber).To(Equal(8080))
	})

	It("should report 404 without a session", func() {
		rec := serve("/api/session")

		Expect(rec).To(HaveHTTPStatus(http.StatusNotFound))
	})

	It("should serve the session status", func() {
		m.RegisterSession(target)

		rec := serve("/api/session")

		Expect(rec).To(HaveHTTPStatus(http.StatusOK))
		st := session.Status{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &st)).To(Succeed())
		Expect(st.Name).To(Equal("App"))
		Expect(st.State).To(Equal("Established"))
		Expect(st.Capabilities.UMsg).To(BeTrue())
		Expect(st.Slots).To(HaveLen(4))
	})

	It("should serve the workspaces", func() {
		m.RegisterSession(target)

		rec := serve("/api/workspaces")

		Expect(rec).To(HaveHTTPStatus(http.StatusOK))
		regions := []session.RegionStatus{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &regions)).To(Succeed())
		Expect(regions).To(HaveLen(2))
		Expect(regions[1].Name).To(Equal("buf0.c0ffee"))
	})

	It("should serve an empty workspace list", func() {
		target.status.Regions = nil
		m.RegisterSession(target)

		rec := serve("/api/workspaces")

		Expect(rec.Body.String()).To(Equal("[]"))
	})

	It("should filter busy slots and sort by tid", func() {
		m.RegisterSession(target)

		rec := serve("/api/scoreboard?busy=true&sort=tid")

		Expect(rec).To(HaveHTTPStatus(http.StatusOK))
		slots := []mmio.SlotStatus{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &slots)).To(Succeed())
		Expect(slots).To(HaveLen(2))
		Expect(slots[0].TID).To(Equal(uint32(3)))
		Expect(slots[1].TID).To(Equal(uint32(7)))
	})

	It("should page the scoreboard", func() {
		m.RegisterSession(target)

		rec := serve("/api/scoreboard?limit=2&offset=1")

		slots := []mmio.SlotStatus{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &slots)).To(Succeed())
		Expect(slots).To(HaveLen(2))
		Expect(slots[0].Index).To(Equal(1))
		Expect(slots[1].Index).To(Equal(2))
	})

	It("should return nothing past the end", func() {
		m.RegisterSession(target)

		rec := serve("/api/scoreboard?offset=10")

		Expect(rec.Body.String()).To(Equal("[]"))
	})

	It("should reject bad scoreboard parameters", func() {
		m.RegisterSession(target)

		Expect(serve("/api/scoreboard?sort=size")).
			To(HaveHTTPStatus(http.StatusBadRequest))
		Expect(serve("/api/scoreboard?limit=abc")).
			To(HaveHTTPStatus(http.StatusBadRequest))
		Expect(serve("/api/scoreboard?offset=-1")).
			To(HaveHTTPStatus(http.StatusBadRequest))
	})

	It("should report 404 without a trace", func() {
		Expect(serve("/api/trace/mmio")).To(HaveHTTPStatus(http.StatusNotFound))
	})

	Context("with a recorded trace", func() {
		BeforeEach(func() {
			path := filepath.Join(GinkgoT().TempDir(), "trace")
			recorder := recording.New(path)
			DeferCleanup(recorder.Close)

			tracer := recording.NewTracer(recorder)
			buf := &shm.Region{Index: 0, Name: "buf0.c0ffee", Size: 4096}
			tracer.Func(hooking.HookCtx{
				Pos: session.HookPosRegionAlloc, Item: buf})
			tracer.Func(hooking.HookCtx{
				Pos: session.HookPosRegionFree, Item: buf})
			recorder.Flush()

			trace, err := recording.OpenTrace(recording.DBFile(path))
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(trace.Close)

			m.RegisterTrace(trace)
		})

		It("should serve the latest rows of a table", func() {
			rec := serve("/api/trace/region?newest=true&limit=1")

			Expect(rec).To(HaveHTTPStatus(http.StatusOK))
			rsp := struct {
				Total int                     `json:"total"`
				Rows  []recording.RegionEntry `json:"rows"`
			}{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
			Expect(rsp.Total).To(Equal(2))
			Expect(rsp.Rows).To(HaveLen(1))
			Expect(rsp.Rows[0].Event).To(Equal("free"))
			Expect(rsp.Rows[0].Name).To(Equal("buf0.c0ffee"))
		})

		It("should serve an empty table", func() {
			rec := serve("/api/trace/mmio")

			Expect(rec).To(HaveHTTPStatus(http.StatusOK))
			Expect(rec.Body.String()).To(Equal(`{"total":0,"rows":[]}`))
		})

		It("should reject unknown tables and bad pages", func() {
			Expect(serve("/api/trace/sqlite_master")).
				To(HaveHTTPStatus(http.StatusNotFound))
			Expect(serve("/api/trace/region?limit=-1")).
				To(HaveHTTPStatus(http.StatusBadRequest))
			Expect(serve("/api/trace/region?offset=x")).
				To(HaveHTTPStatus(http.StatusBadRequest))
		})
	})

	It("should list registered objects", func() {
		m.RegisterSession(target)
		m.RegisterObject("Registry", struct{ Count int }{Count: 2})

		rec := serve("/api/objects")

		names := []string{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &names)).To(Succeed())
		Expect(names).To(Equal([]string{"App", "Registry"}))
	})

	It("should serialize object fields", func() {
		m.RegisterSession(target)

		js := `{"obj_name":"App","field_name":"Depth"}`
		rec := serve("/api/field/" + url.PathEscape(js))

		Expect(rec).To(HaveHTTPStatus(http.StatusOK))
		Expect(rec.Body.Len()).To(BeNumerically(">", 0))
	})

	It("should report unknown objects", func() {
		js := `{"obj_name":"Nobody"}`
		rec := serve("/api/field/" + url.PathEscape(js))

		Expect(rec).To(HaveHTTPStatus(http.StatusNotFound))
	})

	It("should reject malformed field requests", func() {
		rec := serve("/api/field/" + url.PathEscape("{oops"))

		Expect(rec).To(HaveHTTPStatus(http.StatusBadRequest))
	})

	It("should report resources", func() {
		rec := serve("/api/resource")

		Expect(rec).To(HaveHTTPStatus(http.StatusOK))
		rsp := resourceRsp{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should collect a profile", func() {
		rec := serve("/api/profile")

		Expect(rec).To(HaveHTTPStatus(http.StatusOK))
		Expect(rec.Body.Len()).To(BeNumerically(">", 0))
	})

	It("should serve over TCP", func() {
		m.RegisterSession(target)

		addr := m.StartServer()
		defer m.StopServer()

		rsp, err := http.Get(addr + "/api/session")
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		Expect(rsp).To(HaveHTTPStatus(http.StatusOK))
	})
})
