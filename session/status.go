package session

import (
	"github.com/sarchlab/ase/mmio"
	"github.com/sarchlab/ase/portctrl"
)

// RegionStatus describes one region in a Status.
type RegionStatus struct {
	Index    int32  `json:"index"`
	Name     string `json:"name"`
	Size     uint64 `json:"size"`
	Valid    bool   `json:"valid"`
	PeerBase uint64 `json:"peer_base"`
	Role     string `json:"role"`
}

// Status is a point-in-time view of a session.
type Status struct {
	Name         string              `json:"name"`
	State        string              `json:"state"`
	WorkDir      string              `json:"work_dir"`
	Timestamp    string              `json:"timestamp"`
	Capabilities portctrl.Capability `json:"capabilities"`
	MMIOBase     uint64              `json:"mmio_base"`
	PeerMMIOBase uint64              `json:"peer_mmio_base"`
	Outstanding  int                 `json:"outstanding"`
	Slots        []mmio.SlotStatus   `json:"slots"`
	Regions      []RegionStatus      `json:"regions"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	st := Status{
		Name:      s.name,
		State:     s.State().String(),
		WorkDir:   s.cfg.WorkDir,
		Timestamp: s.timestamp,
	}

	if s.control != nil {
		st.Capabilities = s.control.Capabilities()
	}

	if s.mmioRegion != nil {
		st.PeerMMIOBase = s.mmioRegion.PeerBase + MMIOAFUOffset
		st.Regions = append(st.Regions, regionStatus(s.mmioRegion.Index,
			s.mmioRegion.Name, s.mmioRegion.Size, s.mmioRegion.Valid,
			s.mmioRegion.PeerBase, "mmio"))
		if s.mmioRegion.Mapped() {
			st.MMIOBase = s.mmioRegion.LocalBase + MMIOAFUOffset
		}
	}

	if s.umsgRegion != nil {
		st.Regions = append(st.Regions, regionStatus(s.umsgRegion.Index,
			s.umsgRegion.Name, s.umsgRegion.Size, s.umsgRegion.Valid,
			s.umsgRegion.PeerBase, "umsg"))
	}

	if s.bridge != nil {
		st.Outstanding = s.bridge.Scoreboard().Outstanding()
		st.Slots = s.bridge.Scoreboard().Snapshot()
	}

	for _, e := range s.registry.Entries() {
		st.Regions = append(st.Regions, regionStatus(e.Index, e.Region.Name,
			e.Region.Size, e.Valid, e.Region.PeerBase, e.Region.Role().String()))
	}

	return st
}

func regionStatus(
	index int32,
	name string,
	size uint64,
	valid bool,
	peerBase uint64,
	role string,
) RegionStatus {
	return RegionStatus{
		Index:    index,
		Name:     name,
		Size:     size,
		Valid:    valid,
		PeerBase: peerBase,
		Role:     role,
	}
}
