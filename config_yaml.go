package sandbox

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// LoadEngineConfig decodes a YAML engine configuration. Absent fields keep the defaults of
// NewEngineConfig, and sizes are either integers or strings such as "2GiB". For example:
//
//	pooling: true
//	instanceLimits:
//	  count: 100
//	  memoryPages: 16
//	guardRegionSize: 2GiB
//	protectionDomains: auto
//	memoryKeepResident: 64KiB
//
// Unknown fields are rejected, and so are configurations failing the checks of NewEngine. Both errors
// wrap ErrInvalidConfig.
func LoadEngineConfig(r io.Reader) (*EngineConfig, error) {
	var y yamlConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&y); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c := y.apply(NewEngineConfig())
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

type yamlConfig struct {
	Pooling                    *bool              `yaml:"pooling"`
	InstanceLimits             *yamlLimits        `yaml:"instanceLimits"`
	GuardRegionSize            *byteSize          `yaml:"guardRegionSize"`
	StaticMemoryMaximumSize    *byteSize          `yaml:"staticMemoryMaximumSize"`
	GuardBeforeLinearMemory    *bool              `yaml:"guardBeforeLinearMemory"`
	DynamicMemoryGrowthReserve *byteSize          `yaml:"dynamicMemoryGrowthReserve"`
	ProtectionDomains          *ProtectionDomains `yaml:"protectionDomains"`
	MemoryKeepResident         *byteSize          `yaml:"memoryKeepResident"`
	TableKeepResident          *byteSize          `yaml:"tableKeepResident"`
	GuestStackSize             *byteSize          `yaml:"guestStackSize"`
}

type yamlLimits struct {
	Count         *uint32   `yaml:"count"`
	Memories      *uint32   `yaml:"memories"`
	Tables        *uint32   `yaml:"tables"`
	MemoryPages   *uint64   `yaml:"memoryPages"`
	TableElements *uint32   `yaml:"tableElements"`
	Size          *byteSize `yaml:"size"`
}

func (y *yamlConfig) apply(c *EngineConfig) *EngineConfig {
	if y.Pooling != nil {
		c = c.WithPooling(*y.Pooling)
	}
	if y.InstanceLimits != nil {
		c = c.WithInstanceLimits(y.InstanceLimits.apply(c.limits))
	}
	if y.GuardRegionSize != nil {
		c = c.WithGuardRegionSize(uint64(*y.GuardRegionSize))
	}
	if y.StaticMemoryMaximumSize != nil {
		c = c.WithStaticMemoryMaximumSize(uint64(*y.StaticMemoryMaximumSize))
	}
	if y.GuardBeforeLinearMemory != nil {
		c = c.WithGuardBeforeLinearMemory(*y.GuardBeforeLinearMemory)
	}
	if y.DynamicMemoryGrowthReserve != nil {
		c = c.WithDynamicMemoryGrowthReserve(uint64(*y.DynamicMemoryGrowthReserve))
	}
	if y.ProtectionDomains != nil {
		c = c.WithProtectionDomains(*y.ProtectionDomains)
	}
	if y.MemoryKeepResident != nil {
		c = c.WithMemoryKeepResident(uint64(*y.MemoryKeepResident))
	}
	if y.TableKeepResident != nil {
		c = c.WithTableKeepResident(uint64(*y.TableKeepResident))
	}
	if y.GuestStackSize != nil {
		c = c.WithGuestStackSize(uint64(*y.GuestStackSize))
	}
	return c
}

func (y *yamlLimits) apply(l InstanceLimits) InstanceLimits {
	if y.Count != nil {
		l.Count = *y.Count
	}
	if y.Memories != nil {
		l.Memories = *y.Memories
	}
	if y.Tables != nil {
		l.Tables = *y.Tables
	}
	if y.MemoryPages != nil {
		l.MemoryPages = *y.MemoryPages
	}
	if y.TableElements != nil {
		l.TableElements = *y.TableElements
	}
	if y.Size != nil {
		l.Size = uint64(*y.Size)
	}
	return l
}

// byteSize is a count of bytes, written either as an integer or with a unit.
type byteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *byteSize) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a size, got a %s", n.Line, kindName(n.Kind))
	}
	v, err := humanize.ParseBytes(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*b = byteSize(v)
	return nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.AliasNode:
		return "alias"
	}
	return "document"
}
