// Package monitoring turns a running session into an HTTP server so that the
// bridge can be inspected while the application runs.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/sarchlab/ase/hooking"
	"github.com/sarchlab/ase/mmio"
	"github.com/sarchlab/ase/recording"
	"github.com/sarchlab/ase/session"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// A Target is something that can report a session status.
type Target interface {
	Name() string
	Status() session.Status
}

// Monitor serves the status of a session over HTTP.
type Monitor struct {
	target      Target
	portNumber  int
	openBrowser bool
	profileTime time.Duration

	latency *LatencyTracer
	trace   *recording.Trace

	lock    sync.Mutex
	objects map[string]any
	server  *http.Server
	addr    string
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		objects:     make(map[string]any),
		profileTime: time.Second,
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the session page in a browser.
func (m *Monitor) WithBrowser() *Monitor {
	m.openBrowser = true
	return m
}

// WithProfileDuration sets how long /api/profile samples the CPU.
func (m *Monitor) WithProfileDuration(d time.Duration) *Monitor {
	m.profileTime = d
	return m
}

// RegisterSession sets the session that the monitor reports on. The session
// can also be inspected field by field under its name. If the session accepts
// hooks, the monitor measures its MMIO latency.
func (m *Monitor) RegisterSession(t Target) {
	m.target = t
	m.RegisterObject(t.Name(), t)

	if h, ok := t.(hooking.Hookable); ok {
		m.latency = NewLatencyTracer()
		h.AcceptHook(m.latency)
	}
}

// RegisterTrace makes a recorded trace available under /api/trace.
func (m *Monitor) RegisterTrace(t *recording.Trace) {
	m.trace = t
}

// RegisterObject makes an object available to /api/field.
func (m *Monitor) RegisterObject(name string, obj any) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.objects[name] = obj
}

// Router returns the routes served by the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/session", m.sessionStatus)
	r.HandleFunc("/api/scoreboard", m.scoreboard)
	r.HandleFunc("/api/workspaces", m.workspaces)
	r.HandleFunc("/api/latency", m.listLatency)
	r.HandleFunc("/api/trace/{table}", m.listTrace)
	r.HandleFunc("/api/objects", m.listObjects)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

// StartServer starts the monitor as a web server and returns the address it
// listens on.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.addr = fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	fmt.Fprintf(os.Stderr, "Monitoring session with %s\n", m.addr)

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Panic(err)
		}
	}()

	if m.openBrowser {
		err := browser.OpenURL(m.addr + "/api/session")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open browser: %v\n", err)
		}
	}

	return m.addr
}

// StopServer shuts the server down.
func (m *Monitor) StopServer() {
	if m.server == nil {
		return
	}

	err := m.server.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot stop monitoring server: %v\n", err)
	}

	m.server = nil
}

func (m *Monitor) status(w http.ResponseWriter) (session.Status, bool) {
	if m.target == nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("No session registered"))
		dieOnErr(err)

		return session.Status{}, false
	}

	return m.target.Status(), true
}

func (m *Monitor) sessionStatus(w http.ResponseWriter, _ *http.Request) {
	st, ok := m.status(w)
	if !ok {
		return
	}

	writeJSON(w, st)
}

func (m *Monitor) workspaces(w http.ResponseWriter, _ *http.Request) {
	st, ok := m.status(w)
	if !ok {
		return
	}

	regions := st.Regions
	if regions == nil {
		regions = []session.RegionStatus{}
	}

	writeJSON(w, regions)
}

func (m *Monitor) scoreboard(w http.ResponseWriter, r *http.Request) {
	sortMethod, busyOnly, limit, offset, err := scoreboardParseParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	st, ok := m.status(w)
	if !ok {
		return
	}

	slots := sortAndSelectSlots(st.Slots, sortMethod, busyOnly, limit, offset)

	writeJSON(w, slots)
}

func scoreboardParseParams(
	r *http.Request,
) (sortMethod string, busyOnly bool, limit, offset int, err error) {
	sortMethod = r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "index"
	}
	if sortMethod != "index" && sortMethod != "tid" {
		errStr := fmt.Sprintf(
			"Invalid sort method: %s. Allowed values are `index` and `tid`",
			sortMethod)
		return "", false, 0, 0, errors.New(errStr)
	}

	busyOnly = r.URL.Query().Get("busy") == "true"

	limit, err = intParam(r, "limit")
	if err != nil {
		return sortMethod, busyOnly, 0, 0, err
	}

	offset, err = intParam(r, "offset")
	if err != nil {
		return sortMethod, busyOnly, limit, 0, err
	}

	if limit < 0 || offset < 0 {
		return sortMethod, busyOnly, limit, offset,
			errors.New("limit and offset must not be negative")
	}

	return sortMethod, busyOnly, limit, offset, nil
}

func intParam(r *http.Request, name string) (int, error) {
	str := r.URL.Query().Get(name)
	if str == "" {
		return 0, nil
	}

	return strconv.Atoi(str)
}

func slotBusy(s mmio.SlotStatus) bool {
	return s.Sent || s.Received
}

// sortAndSelectSlots orders the slots and cuts out a page. A zero limit
// means no limit.
func sortAndSelectSlots(
	slots []mmio.SlotStatus,
	sortMethod string,
	busyOnly bool,
	limit, offset int,
) []mmio.SlotStatus {
	selected := make([]mmio.SlotStatus, 0, len(slots))
	for _, s := range slots {
		if busyOnly && !slotBusy(s) {
			continue
		}

		selected = append(selected, s)
	}

	switch sortMethod {
	case "index":
		sort.Slice(selected, func(i, j int) bool {
			return selected[i].Index < selected[j].Index
		})
	case "tid":
		sort.Slice(selected, func(i, j int) bool {
			if selected[i].TID != selected[j].TID {
				return selected[i].TID < selected[j].TID
			}

			return selected[i].Index < selected[j].Index
		})
	default:
		panic("Invalid sort method " + sortMethod)
	}

	if offset >= len(selected) {
		return []mmio.SlotStatus{}
	}

	end := len(selected)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return selected[offset:end]
}

type latencyRsp struct {
	InFlight int                     `json:"in_flight"`
	Kinds    map[string]LatencyStats `json:"kinds"`
}

func (m *Monitor) listLatency(w http.ResponseWriter, _ *http.Request) {
	if m.latency == nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Latency is not measured"))
		dieOnErr(err)

		return
	}

	writeJSON(w, latencyRsp{
		InFlight: m.latency.InFlight(),
		Kinds:    m.latency.Stats(),
	})
}

type traceRsp struct {
	Total int   `json:"total"`
	Rows  []any `json:"rows"`
}

func (m *Monitor) listTrace(w http.ResponseWriter, r *http.Request) {
	if m.trace == nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("No trace is recorded"))
		dieOnErr(err)

		return
	}

	f := recording.Filter{Newest: r.URL.Query().Get("newest") == "true"}

	var err error
	f.Limit, err = intParam(r, "limit")
	if err == nil {
		f.Offset, err = intParam(r, "offset")
	}
	if err == nil && (f.Limit < 0 || f.Offset < 0) {
		err = errors.New("limit and offset must not be negative")
	}
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	table := mux.Vars(r)["table"]

	total, err := m.trace.Count(r.Context(), table, f)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	rows, err := m.trace.Rows(r.Context(), table, f)
	dieOnErr(err)

	writeJSON(w, traceRsp{Total: total, Rows: rows})
}

func (m *Monitor) listObjects(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	m.lock.Unlock()

	sort.Strings(names)

	writeJSON(w, names)
}

type fieldReq struct {
	ObjName   string `json:"obj_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	obj := m.findObjectOr404(w, req.ObjName)
	if obj == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(obj)
	serializer.SetMaxDepth(1)

	if req.FieldName != "" {
		err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Error: %s", err)
			return
		}
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) findObjectOr404(w http.ResponseWriter, name string) any {
	m.lock.Lock()
	obj, found := m.objects[name]
	m.lock.Unlock()

	if !found {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Object not found"))
		dieOnErr(err)

		return nil
	}

	return obj
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	writeJSON(w, rsp)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	time.Sleep(m.profileTime)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
