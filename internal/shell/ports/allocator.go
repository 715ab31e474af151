// Package ports serializes host port allocation against the persisted
// deployment records and the ports actually bound on the host.
package ports

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
	coreports "github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/ports"
)

// UsedPortSource reports the ports held by persisted deployments.
type UsedPortSource interface {
	GetUsedPorts(ctx context.Context) ([]int, error)
}

// ProbeFunc reports whether a port can be bound on the host.
type ProbeFunc func(port int) bool

// Config holds allocator configuration.
type Config struct {
	Range coreports.PortRange
	// ProbeHost is the address probed with a listen attempt. Empty disables probing.
	ProbeHost string
}

func DefaultConfig() Config {
	return Config{
		Range:     coreports.DefaultPortRange(),
		ProbeHost: "0.0.0.0",
	}
}

// Allocator hands out host ports. The persistence layer is the source of
// truth; holds only cover the gap between Allocate and the record being written.
type Allocator struct {
	mu     sync.Mutex
	source UsedPortSource
	rng    coreports.PortRange
	probe  ProbeFunc
	held   map[int]struct{}
	logger *slog.Logger
}

func NewAllocator(source UsedPortSource, config Config, logger *slog.Logger) (*Allocator, error) {
	if err := config.Range.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var probe ProbeFunc
	if config.ProbeHost != "" {
		probe = TCPProbe(config.ProbeHost)
	}

	return &Allocator{
		source: source,
		rng:    config.Range,
		probe:  probe,
		held:   make(map[int]struct{}),
		logger: logger.With("component", "port_allocator"),
	}, nil
}

// WithProbe replaces the host probe. A nil probe accepts every port.
func (a *Allocator) WithProbe(probe ProbeFunc) *Allocator {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probe = probe
	return a
}

// TCPProbe returns a probe that attempts to listen on host:port.
func TCPProbe(host string) ProbeFunc {
	return func(port int) bool {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		l.Close()
		return true
	}
}

// Range returns the configured port range.
func (a *Allocator) Range() coreports.PortRange {
	return a.rng
}

// Allocate returns the lowest free port and holds it until Release.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used, err := a.usedLocked(ctx)
	if err != nil {
		return 0, err
	}

	port, err := coreports.AllocatePort(used, a.rng, a.probe)
	if err != nil {
		a.logger.Warn("port range exhausted", "range", a.rng.String(), "used", len(used))
		return 0, err
	}

	a.held[port] = struct{}{}
	a.logger.Debug("port allocated", "port", port)
	return port, nil
}

// Reserve holds a caller-chosen port.
func (a *Allocator) Reserve(ctx context.Context, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	used, err := a.usedLocked(ctx)
	if err != nil {
		return err
	}
	if err := coreports.ValidatePort(port, used, a.rng); err != nil {
		return err
	}
	if a.probe != nil && !a.probe(port) {
		return fmt.Errorf("%w: %d is bound on the host", domain.ErrPortConflict, port)
	}

	a.held[port] = struct{}{}
	a.logger.Debug("port reserved", "port", port)
	return nil
}

// Release drops the in-memory hold on port. The durable release is the
// deletion of the record that carries it.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.held[port]; ok {
		delete(a.held, port)
		a.logger.Debug("port released", "port", port)
	}
}

// IsFree reports whether port could be allocated right now.
func (a *Allocator) IsFree(ctx context.Context, port int) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.rng.Contains(port) {
		return false, nil
	}
	used, err := a.usedLocked(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range used {
		if p == port {
			return false, nil
		}
	}
	if a.probe != nil && !a.probe(port) {
		return false, nil
	}
	return true, nil
}

// FreeCount is the number of ports in range not held by a record or a pending allocation.
func (a *Allocator) FreeCount(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used, err := a.usedLocked(ctx)
	if err != nil {
		return 0, err
	}
	return coreports.FreeCount(used, a.rng), nil
}

// Held returns the number of ports allocated but not yet released.
func (a *Allocator) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

func (a *Allocator) usedLocked(ctx context.Context) ([]int, error) {
	used, err := a.source.GetUsedPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load used ports: %w", err)
	}
	for p := range a.held {
		used = append(used, p)
	}
	return used, nil
}
