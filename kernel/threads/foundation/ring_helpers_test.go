package foundation

import (
	"testing"

	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
	"github.com/nmxmxh/robolab/kernel/utils"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *sab_layout.Registry {
	t.Helper()
	reg := sab_layout.NewRegistry(sab_layout.RegistryConfig{Logger: utils.NopLogger()})
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func newTestRing(t *testing.T, capacity uint32) *WordRing {
	t.Helper()
	ring, err := CreateWordRing(newTestRegistry(t), sab_layout.RegionSerialToRobot, capacity)
	require.NoError(t, err)
	return ring
}

// snapshot copies every word of a region, header included.
func snapshot(region sab_layout.Region) []uint32 {
	out := make([]uint32, region.Words())
	for i := range out {
		out[i] = region.LoadWord(uint32(i))
	}
	return out
}
