package fleet

import (
	"fmt"

	"github.com/chainbench/fleetbench/provider"
)

// Instance is a mutable snapshot of one remote compute instance. ID and
// Region are fixed at construction; only status fields change afterwards.
type Instance struct {
	ID     string
	Region string

	DNSName      string
	PublicIP     string
	HealthStatus string

	state     InstanceState
	reachable bool

	// Raw provider responses from the last refresh, kept for debugging.
	RawInfo   any
	RawStatus any
}

func NewInstance(id, region string) *Instance {
	return &Instance{ID: id, Region: region}
}

func (i *Instance) State() InstanceState { return i.state }

func (i *Instance) Reachable() bool { return i.reachable }

// SetState updates the lifecycle state. Reachability is only meaningful for
// a running instance, so any other state forces it false.
func (i *Instance) SetState(s InstanceState) {
	if s != StateRunning {
		i.reachable = false
	}
	i.state = s
}

func (i *Instance) SetReachable(ok bool) {
	if i.state != StateRunning {
		i.reachable = false
		return
	}
	i.reachable = ok
}

// LoadProperties merges a freshly fetched provider snapshot into the record.
// A snapshot for a different instance indicates a correlation bug upstream.
func (i *Instance) LoadProperties(snap provider.Snapshot, status *provider.Status) error {
	if i.ID != "" && i.ID != snap.ID {
		return fmt.Errorf("snapshot for instance %s applied to instance %s", snap.ID, i.ID)
	}
	if i.ID == "" {
		i.ID = snap.ID
	}
	i.RawInfo = snap.Raw
	i.DNSName = snap.DNSName
	state, err := ParseInstanceState(snap.State)
	if err != nil {
		return fmt.Errorf("instance %s: %w", i.ID, err)
	}
	i.SetState(state)
	if status != nil {
		i.HealthStatus = status.Summary
		i.RawStatus = status.Raw
	} else {
		i.HealthStatus = ""
		i.RawStatus = nil
	}
	return nil
}

func (i *Instance) String() string {
	return fmt.Sprintf("Instance(id=%s, region=%s, dnsname=%s, state=%s, reachable=%t)",
		i.ID, i.Region, i.DNSName, i.state, i.reachable)
}
