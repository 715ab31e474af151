// Package ports holds the pure port-range arithmetic behind host port allocation.
package ports

import (
	"fmt"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// PortRange defines the host ports deployments may be assigned.
type PortRange struct {
	Start int // Inclusive
	End   int // Inclusive
}

func DefaultPortRange() PortRange {
	return PortRange{Start: 20000, End: 40000}
}

// Validate reports a malformed range.
func (r PortRange) Validate() error {
	if r.Start < 1 || r.End > 65535 {
		return fmt.Errorf("port range %d-%d must lie within 1-65535", r.Start, r.End)
	}
	if r.Start > r.End {
		return fmt.Errorf("port range start %d is after end %d", r.Start, r.End)
	}
	return nil
}

// Size is the number of ports in the range.
func (r PortRange) Size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Contains reports whether port lies within the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// AllocatePort returns the lowest port in the range that is not in usedPorts
// and for which usable reports true. A nil usable accepts every port.
// It never wraps around: a full range yields domain.ErrPortExhausted.
func AllocatePort(usedPorts []int, portRange PortRange, usable func(int) bool) (int, error) {
	used := make(map[int]bool, len(usedPorts))
	for _, p := range usedPorts {
		used[p] = true
	}

	for port := portRange.Start; port <= portRange.End; port++ {
		if used[port] {
			continue
		}
		if usable != nil && !usable(port) {
			continue
		}
		return port, nil
	}

	return 0, fmt.Errorf("%w: %s", domain.ErrPortExhausted, portRange)
}

// ValidatePort checks a caller-requested port against the range and the used set.
func ValidatePort(port int, usedPorts []int, portRange PortRange) error {
	if !portRange.Contains(port) {
		return fmt.Errorf("%w: %d not in %s", domain.ErrPortOutOfRange, port, portRange)
	}
	for _, p := range usedPorts {
		if p == port {
			return fmt.Errorf("%w: %d", domain.ErrPortConflict, port)
		}
	}
	return nil
}

// FreeCount is the number of ports in the range not present in usedPorts.
// Ports outside the range and duplicates are ignored.
func FreeCount(usedPorts []int, portRange PortRange) int {
	seen := make(map[int]bool, len(usedPorts))
	for _, p := range usedPorts {
		if portRange.Contains(p) {
			seen[p] = true
		}
	}
	return portRange.Size() - len(seen)
}
