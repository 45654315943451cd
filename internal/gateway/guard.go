package gateway

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// Guard gates session admission. Upgrades are refused when the gateway
// is at its connection cap or the host is out of memory headroom;
// refusing at the door is cheaper than collapsing under load.
type Guard struct {
	maxConns int
	minFree  uint64

	// freeMemory is swappable for tests.
	freeMemory func() (uint64, error)
}

func NewGuard(maxConns int, minFree uint64) *Guard {
	return &Guard{
		maxConns: maxConns,
		minFree:  minFree,
		freeMemory: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
	}
}

// Admit reports whether a new session may be accepted; on refusal the
// returned reason labels the rejection metric.
func (g *Guard) Admit(active int) (string, bool) {
	if active >= g.maxConns {
		return "max_connections", false
	}
	if g.minFree > 0 {
		free, err := g.freeMemory()
		if err == nil && free < g.minFree {
			return "low_memory", false
		}
	}
	return "", true
}
