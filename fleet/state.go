package fleet

import (
	"fmt"
	"strings"
)

// InstanceState is the lifecycle state of an instance as reported by the
// provider. Transitions are provider-driven; the registry only sets the
// expected transitional state optimistically after issuing a lifecycle call.
type InstanceState int

const (
	StateUnknown InstanceState = iota
	StatePending
	StateRunning
	StateShuttingDown
	StateTerminated
	StateStopping
	StateStopped
)

var stateNames = map[InstanceState]string{
	StateUnknown:      "unknown",
	StatePending:      "pending",
	StateRunning:      "running",
	StateShuttingDown: "shutting-down",
	StateTerminated:   "terminated",
	StateStopping:     "stopping",
	StateStopped:      "stopped",
}

func (s InstanceState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("InstanceState(%d)", int(s))
}

// ParseInstanceState parses a provider state string. Matching is
// case-insensitive and tolerates both "shutting-down" and "shutting_down".
func ParseInstanceState(name string) (InstanceState, error) {
	normalized := strings.ToLower(name)
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "_", "")
	switch normalized {
	case "pending":
		return StatePending, nil
	case "running":
		return StateRunning, nil
	case "shuttingdown":
		return StateShuttingDown, nil
	case "terminated":
		return StateTerminated, nil
	case "stopping":
		return StateStopping, nil
	case "stopped":
		return StateStopped, nil
	}
	return StateUnknown, fmt.Errorf("unknown instance state: %q", name)
}
