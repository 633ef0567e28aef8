package ipc

// ID identifies one of the ten session channels.
type ID int

// The session channels.
const (
	AllocReq ID = iota
	AllocRsp
	MMIOReq
	MMIORsp
	UMsgSend
	DeallocReq
	DeallocRsp
	PortCtrlReq
	PortCtrlRsp
	IntrNotify

	NumChannels
)

// Direction is the way a side opens a channel.
type Direction int

// Directions.
const (
	ReadOnly Direction = iota
	WriteOnly
)

// Peer returns the direction the other side uses.
func (d Direction) Peer() Direction {
	if d == ReadOnly {
		return WriteOnly
	}
	return ReadOnly
}

func (d Direction) String() string {
	if d == ReadOnly {
		return "read-only"
	}
	return "write-only"
}

// Side tells which process is opening the channels.
type Side int

// Sides.
const (
	AppSide Side = iota
	SimSide
)

// Spec describes a channel: its file name in the working directory and the
// direction in which the application opens it.
type Spec struct {
	ID     ID
	Name   string
	AppDir Direction
}

// DirectionFor returns the direction the given side opens the channel with.
func (s Spec) DirectionFor(side Side) Direction {
	if side == AppSide {
		return s.AppDir
	}
	return s.AppDir.Peer()
}

// Specs lists the session channels in ID order.
var Specs = [NumChannels]Spec{
	{AllocReq, "app2sim_alloc_ping_smq", WriteOnly},
	{AllocRsp, "sim2app_alloc_pong_smq", ReadOnly},
	{MMIOReq, "app2sim_mmioreq_smq", WriteOnly},
	{MMIORsp, "sim2app_mmiorsp_smq", ReadOnly},
	{UMsgSend, "app2sim_umsg_smq", WriteOnly},
	{DeallocReq, "app2sim_dealloc_ping_smq", WriteOnly},
	{DeallocRsp, "sim2app_dealloc_pong_smq", ReadOnly},
	{PortCtrlReq, "app2sim_portctrl_req_smq", WriteOnly},
	{PortCtrlRsp, "sim2app_portctrl_rsp_smq", ReadOnly},
	{IntrNotify, "sim2app_intr_request_smq", ReadOnly},
}

func (id ID) String() string {
	if id < 0 || id >= NumChannels {
		return "unknown"
	}
	return Specs[id].Name
}
