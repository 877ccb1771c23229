package tunnel

import (
	"encoding/json"

	"github.com/metacubex/ipowd/common/atomic"
)

type TunnelStatus int

const (
	Running TunnelStatus = iota
	Terminated
)

// MarshalYAML serialize TunnelStatus with yaml
func (s TunnelStatus) MarshalYAML() (any, error) {
	return s.String(), nil
}

// MarshalJSON serialize TunnelStatus
func (s TunnelStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s TunnelStatus) String() string {
	switch s {
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type AtomicStatus struct {
	value atomic.Int32
}

func (a *AtomicStatus) Store(s TunnelStatus) {
	a.value.Store(int32(s))
}

func (a *AtomicStatus) Load() TunnelStatus {
	return TunnelStatus(a.value.Load())
}

func (a *AtomicStatus) String() string {
	return a.Load().String()
}

func newAtomicStatus(s TunnelStatus) *AtomicStatus {
	a := &AtomicStatus{}
	a.Store(s)
	return a
}
