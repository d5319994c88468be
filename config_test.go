package sandbox

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bytecodealliance/wasmtime-sub051/internal/heap"
	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

func TestEngineConfig_Defaults(t *testing.T) {
	c := NewEngineConfig()
	require.False(t, c.pooling)
	require.Equal(t, defaultLimits, c.limits)
	require.Equal(t, heap.DefaultTunables(), c.tunables)
	require.Equal(t, ProtectionDomainsDisable, c.protectionDomains)
	require.Equal(t, uint64(DefaultGuestStackSize), c.guestStackSize)
	require.Nil(t, c.logger)
	require.Nil(t, c.registerer)
	require.NoError(t, c.validate())
}

// TestEngineConfig ensures With methods never modify their receiver.
func TestEngineConfig(t *testing.T) {
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	limits := InstanceLimits{Count: 2, Memories: 1, Tables: 1, MemoryPages: 1, TableElements: 1, Size: 64}

	tests := []struct {
		name     string
		with     func(*EngineConfig) *EngineConfig
		expected func(*EngineConfig)
	}{
		{
			name: "WithPooling",
			with: func(c *EngineConfig) *EngineConfig { return c.WithPooling(true) },
			expected: func(c *EngineConfig) {
				c.pooling = true
			},
		},
		{
			name: "WithInstanceLimits",
			with: func(c *EngineConfig) *EngineConfig { return c.WithInstanceLimits(limits) },
			expected: func(c *EngineConfig) {
				c.limits = limits
			},
		},
		{
			name: "WithGuardRegionSize",
			with: func(c *EngineConfig) *EngineConfig { return c.WithGuardRegionSize(platform.PageSize) },
			expected: func(c *EngineConfig) {
				c.tunables.GuardRegionSize = platform.PageSize
			},
		},
		{
			name: "WithStaticMemoryMaximumSize",
			with: func(c *EngineConfig) *EngineConfig { return c.WithStaticMemoryMaximumSize(0) },
			expected: func(c *EngineConfig) {
				c.tunables.StaticMemoryMaximumSize = 0
			},
		},
		{
			name: "WithGuardBeforeLinearMemory",
			with: func(c *EngineConfig) *EngineConfig { return c.WithGuardBeforeLinearMemory(false) },
			expected: func(c *EngineConfig) {
				c.tunables.GuardBeforeLinearMemory = false
			},
		},
		{
			name: "WithDynamicMemoryGrowthReserve",
			with: func(c *EngineConfig) *EngineConfig { return c.WithDynamicMemoryGrowthReserve(0) },
			expected: func(c *EngineConfig) {
				c.tunables.DynamicMemoryGrowthReserve = 0
			},
		},
		{
			name: "WithProtectionDomains",
			with: func(c *EngineConfig) *EngineConfig { return c.WithProtectionDomains(ProtectionDomainsAuto) },
			expected: func(c *EngineConfig) {
				c.protectionDomains = ProtectionDomainsAuto
			},
		},
		{
			name: "WithMemoryKeepResident",
			with: func(c *EngineConfig) *EngineConfig { return c.WithMemoryKeepResident(1 << 20) },
			expected: func(c *EngineConfig) {
				c.memoryKeepResident = 1 << 20
			},
		},
		{
			name: "WithTableKeepResident",
			with: func(c *EngineConfig) *EngineConfig { return c.WithTableKeepResident(4096) },
			expected: func(c *EngineConfig) {
				c.tableKeepResident = 4096
			},
		},
		{
			name: "WithGuestStackSize",
			with: func(c *EngineConfig) *EngineConfig { return c.WithGuestStackSize(0) },
			expected: func(c *EngineConfig) {
				c.guestStackSize = 0
			},
		},
		{
			name: "WithLogger",
			with: func(c *EngineConfig) *EngineConfig { return c.WithLogger(logger) },
			expected: func(c *EngineConfig) {
				c.logger = logger
			},
		},
		{
			name: "WithMetricsRegisterer",
			with: func(c *EngineConfig) *EngineConfig { return c.WithMetricsRegisterer(reg) },
			expected: func(c *EngineConfig) {
				c.registerer = reg
			},
		},
	}
	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			input := NewEngineConfig()
			rc := tc.with(input)

			expected := NewEngineConfig()
			tc.expected(expected)
			require.Equal(t, expected, rc)
			// The source wasn't modified
			require.Equal(t, NewEngineConfig(), input)
		})
	}
}

func TestEngineConfig_validate(t *testing.T) {
	pooling := NewEngineConfig().WithPooling(true)

	tests := []struct {
		name        string
		config      *EngineConfig
		expectedErr string
	}{
		{
			name:        "unaligned guard",
			config:      NewEngineConfig().WithGuardRegionSize(platform.PageSize + 1),
			expectedErr: "invalid engine config: invalid memory tunables: guard_region_size",
		},
		{
			name:        "zero instances",
			config:      pooling.WithInstanceLimits(InstanceLimits{Memories: 1}),
			expectedErr: "invalid engine config: instance count must be positive",
		},
		{
			name: "pages past the static maximum",
			config: pooling.WithStaticMemoryMaximumSize(1 << 20).
				WithInstanceLimits(InstanceLimits{Count: 1, MemoryPages: 17}),
			expectedErr: "invalid engine config: memory pages of 1.1 MiB exceed the static memory maximum size of 1.0 MiB",
		},
		{
			name:        "too many pages",
			config:      pooling.WithStaticMemoryMaximumSize(0).WithInstanceLimits(InstanceLimits{Count: 1, MemoryPages: heap.MaxPages64}),
			expectedErr: "invalid engine config: 281474976710656 memory pages must be below 281474976710656",
		},
	}
	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.Contains(t, err.Error(), tc.expectedErr)
		})
	}

	// Limits are ignored unless pooling.
	require.NoError(t, NewEngineConfig().WithInstanceLimits(InstanceLimits{}).validate())
}

func TestLoadEngineConfig(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		c, err := LoadEngineConfig(strings.NewReader(""))
		require.NoError(t, err)
		require.Equal(t, NewEngineConfig(), c)
	})

	t.Run("every field", func(t *testing.T) {
		c, err := LoadEngineConfig(strings.NewReader(`
pooling: true
instanceLimits:
  count: 10
  memories: 2
  tables: 3
  memoryPages: 16
  tableElements: 100
  size: 4KiB
guardRegionSize: 64KiB
staticMemoryMaximumSize: 1MiB
guardBeforeLinearMemory: false
dynamicMemoryGrowthReserve: 0
protectionDomains: auto
memoryKeepResident: 128 KiB
tableKeepResident: 4096
guestStackSize: 1MiB
`))
		require.NoError(t, err)

		expected := NewEngineConfig().
			WithPooling(true).
			WithInstanceLimits(InstanceLimits{Count: 10, Memories: 2, Tables: 3, MemoryPages: 16, TableElements: 100, Size: 4096}).
			WithGuardRegionSize(64 << 10).
			WithStaticMemoryMaximumSize(1 << 20).
			WithGuardBeforeLinearMemory(false).
			WithDynamicMemoryGrowthReserve(0).
			WithProtectionDomains(ProtectionDomainsAuto).
			WithMemoryKeepResident(128 << 10).
			WithTableKeepResident(4096).
			WithGuestStackSize(1 << 20)
		require.Equal(t, expected, c)
	})

	t.Run("partial limits keep defaults", func(t *testing.T) {
		c, err := LoadEngineConfig(strings.NewReader("instanceLimits:\n  count: 3\n"))
		require.NoError(t, err)

		expected := defaultLimits
		expected.Count = 3
		require.Equal(t, expected, c.limits)
	})

	tests := []struct {
		name, input, expectedErr string
	}{
		{
			name:        "unknown field",
			input:       "poolng: true\n",
			expectedErr: "field poolng not found",
		},
		{
			name:        "invalid size",
			input:       "guardRegionSize: lots\n",
			expectedErr: "line 1:",
		},
		{
			name:        "size is a mapping",
			input:       "guardRegionSize:\n  a: 1\n",
			expectedErr: "line 2: expected a size, got a mapping",
		},
		{
			name:        "invalid protection domains",
			input:       "protectionDomains: sometimes\n",
			expectedErr: `invalid protection domain mode "sometimes"`,
		},
		{
			name:        "invalid tunables",
			input:       "guardRegionSize: 1000\n",
			expectedErr: "not a multiple of the page size",
		},
	}
	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadEngineConfig(strings.NewReader(tc.input))
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.Contains(t, err.Error(), tc.expectedErr)
		})
	}
}
