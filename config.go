package sandbox

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bytecodealliance/wasmtime-sub051/internal/heap"
	"github.com/bytecodealliance/wasmtime-sub051/internal/mpk"
	"github.com/bytecodealliance/wasmtime-sub051/internal/pool"
)

// ErrInvalidConfig is returned by NewEngine and LoadEngineConfig when the configuration can't produce a
// working engine on this host.
var ErrInvalidConfig = errors.New("invalid engine config")

// InstanceLimits bound what each instance of a pooling engine can hold. See EngineConfig.WithInstanceLimits
type InstanceLimits = pool.InstanceLimits

// ProtectionDomains selects whether the memories of a pooling engine are striped with memory protection
// keys.
type ProtectionDomains = mpk.Mode

const (
	// ProtectionDomainsDisable never uses protection keys. This is the default.
	ProtectionDomainsDisable = mpk.Disable
	// ProtectionDomainsEnable requires protection keys: NewEngine fails where they are unsupported.
	ProtectionDomainsEnable = mpk.Enable
	// ProtectionDomainsAuto uses protection keys where supported.
	ProtectionDomainsAuto = mpk.Auto
)

// DefaultGuestStackSize is the size of the guest stack of each instance, unless overridden by
// EngineConfig.WithGuestStackSize.
const DefaultGuestStackSize = 512 << 10

// EngineConfig controls engine behavior, with the default implementation as NewEngineConfig
type EngineConfig struct {
	pooling            bool
	limits             InstanceLimits
	tunables           heap.Tunables
	protectionDomains  ProtectionDomains
	memoryKeepResident uint64
	tableKeepResident  uint64
	guestStackSize     uint64
	logger             *zap.Logger
	registerer         prometheus.Registerer
}

// defaultLimits are the instance limits of a pooling engine unless overridden.
var defaultLimits = InstanceLimits{
	Count:         1000,
	Memories:      1,
	Tables:        1,
	MemoryPages:   160,
	TableElements: 10000,
	Size:          1 << 20,
}

// NewEngineConfig returns the default configuration: instances are allocated on demand, memories use
// the tunables suited to the host's pointer width, and protection keys aren't used.
func NewEngineConfig() *EngineConfig {
	return &EngineConfig{
		limits:            defaultLimits,
		tunables:          heap.DefaultTunables(),
		protectionDomains: ProtectionDomainsDisable,
		guestStackSize:    DefaultGuestStackSize,
	}
}

// clone returns a copy, so that With methods never modify their receiver.
func (c *EngineConfig) clone() *EngineConfig {
	ret := *c
	return &ret
}

// WithPooling reserves the address space of InstanceLimits.Count instances when the engine is created,
// and recycles it between instances instead of allocating on demand. Instantiate fails with
// pool.ErrPoolExhausted when every slot is in use.
func (c *EngineConfig) WithPooling(enabled bool) *EngineConfig {
	ret := c.clone()
	ret.pooling = enabled
	return ret
}

// WithInstanceLimits sets the limits of a pooling engine. Modules needing more than the limits fail to
// compile. Ignored unless pooling is enabled, except for InstanceLimits.TableElements which is the
// capacity of tables declaring no maximum.
//
// Note: InstanceLimits.MemoryPages must fit the static memory maximum size.
func (c *EngineConfig) WithInstanceLimits(limits InstanceLimits) *EngineConfig {
	ret := c.clone()
	ret.limits = limits
	return ret
}

// WithGuardRegionSize sets the size of the inaccessible region following each memory. Loads and stores
// whose static offset fits the guard need no bounds check. This defaults to 2GiB on 64-bit hosts.
func (c *EngineConfig) WithGuardRegionSize(size uint64) *EngineConfig {
	ret := c.clone()
	ret.tunables.GuardRegionSize = size
	return ret
}

// WithStaticMemoryMaximumSize sets the largest memory which is reserved up front and never moves. Larger
// memories are dynamic: compiled code reads their length on each access. This defaults to 4GiB on 64-bit
// hosts, so no 32-bit memory needs a bounds check.
func (c *EngineConfig) WithStaticMemoryMaximumSize(size uint64) *EngineConfig {
	ret := c.clone()
	ret.tunables.StaticMemoryMaximumSize = size
	return ret
}

// WithGuardBeforeLinearMemory places a guard region before each memory too. This defaults to true.
func (c *EngineConfig) WithGuardBeforeLinearMemory(enabled bool) *EngineConfig {
	ret := c.clone()
	ret.tunables.GuardBeforeLinearMemory = enabled
	return ret
}

// WithDynamicMemoryGrowthReserve sets the address space reserved past the initial size of a dynamic
// memory, so that it grows in place before moving.
func (c *EngineConfig) WithDynamicMemoryGrowthReserve(size uint64) *EngineConfig {
	ret := c.clone()
	ret.tunables.DynamicMemoryGrowthReserve = size
	return ret
}

// WithProtectionDomains stripes the memories of a pooling engine with protection keys, so that guest code
// of one instance faults on the memory of instances of another stripe, even within guard regions.
func (c *EngineConfig) WithProtectionDomains(mode ProtectionDomains) *EngineConfig {
	ret := c.clone()
	ret.protectionDomains = mode
	return ret
}

// WithMemoryKeepResident sets how many bytes of each memory slot are zeroed in place instead of being
// returned to the OS when an instance is closed. This trades resident memory for faster instantiation.
func (c *EngineConfig) WithMemoryKeepResident(size uint64) *EngineConfig {
	ret := c.clone()
	ret.memoryKeepResident = size
	return ret
}

// WithTableKeepResident is like WithMemoryKeepResident, for tables.
func (c *EngineConfig) WithTableKeepResident(size uint64) *EngineConfig {
	ret := c.clone()
	ret.tableKeepResident = size
	return ret
}

// WithGuestStackSize sets the size of the guest stack of each instance. Zero runs guest code without one.
func (c *EngineConfig) WithGuestStackSize(size uint64) *EngineConfig {
	ret := c.clone()
	ret.guestStackSize = size
	return ret
}

// WithLogger sets the logger of the engine. Defaults to zap.NewNop if nil.
func (c *EngineConfig) WithLogger(logger *zap.Logger) *EngineConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// WithMetricsRegisterer registers the collectors of the engine on reg. Defaults to not registering.
func (c *EngineConfig) WithMetricsRegisterer(reg prometheus.Registerer) *EngineConfig {
	ret := c.clone()
	ret.registerer = reg
	return ret
}

// validate returns ErrInvalidConfig when the configuration can't produce a working engine on this host.
func (c *EngineConfig) validate() error {
	if err := c.tunables.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !c.pooling {
		return nil
	}
	l := c.limits
	if l.Count == 0 {
		return fmt.Errorf("%w: instance count must be positive", ErrInvalidConfig)
	}
	if l.MemoryPages >= heap.MaxPages64 {
		return fmt.Errorf("%w: %d memory pages must be below %d", ErrInvalidConfig, l.MemoryPages, heap.MaxPages64)
	}
	if static, size := c.tunables.StaticMemoryMaximumSize, l.MemoryPages<<heap.PageSizeInBits; static > 0 && size > static {
		return fmt.Errorf("%w: memory pages of %s exceed the static memory maximum size of %s",
			ErrInvalidConfig, humanize.IBytes(size), humanize.IBytes(static))
	}
	return nil
}
