package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iotfleet/mm2/internal/mm2err"
)

func TestAllocateFreeConservation(t *testing.T) {
	p := New(8, nil)
	require.Equal(t, 8, p.FreeCount())

	ids := make([]SectorID, 0, 8)
	for i := 0; i < 8; i++ {
		id, ok := p.Allocate(uint64(i), SectorTSD, 1000)
		require.True(t, ok)
		ids = append(ids, id)
	}
	require.Equal(t, 0, p.FreeCount())

	_, ok := p.Allocate(99, SectorTSD, 1001)
	require.False(t, ok, "pool should be exhausted")

	for _, id := range ids {
		require.NoError(t, p.Free(id))
	}
	require.Equal(t, 8, p.FreeCount())
}

func TestLinkAndChainLength(t *testing.T) {
	p := New(4, nil)
	a, _ := p.Allocate(1, SectorTSD, 0)
	b, _ := p.Allocate(1, SectorTSD, 0)
	c, _ := p.Allocate(1, SectorTSD, 0)

	require.NoError(t, p.Link(a, b))
	require.NoError(t, p.Link(b, c))

	n, err := p.ChainLength(a)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	require.Equal(t, b, p.Next(a))
	require.Equal(t, NullSectorID, p.Next(c))
}

func TestValidateChainDetectsCycle(t *testing.T) {
	p := New(4, nil)
	a, _ := p.Allocate(1, SectorTSD, 0)
	b, _ := p.Allocate(1, SectorTSD, 0)
	require.NoError(t, p.Link(a, b))
	require.NoError(t, p.Link(b, a)) // manufacture a cycle

	err := p.ValidateChain(a)
	require.Error(t, err)
	require.True(t, mm2err.IsCode(err, mm2err.CorruptChain))
}

func TestValidateChainDetectsCrossOwner(t *testing.T) {
	p := New(4, nil)
	a, _ := p.Allocate(1, SectorTSD, 0)
	b, _ := p.Allocate(2, SectorTSD, 0) // different owner
	require.NoError(t, p.Link(a, b))

	err := p.ValidateChain(a)
	require.Error(t, err)
	require.True(t, mm2err.IsCode(err, mm2err.CorruptChain))
}

func TestFreeChainReturnsAllToFreeList(t *testing.T) {
	p := New(4, nil)
	a, _ := p.Allocate(1, SectorTSD, 0)
	b, _ := p.Allocate(1, SectorTSD, 0)
	require.NoError(t, p.Link(a, b))

	n, err := p.FreeChain(a)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 4, p.FreeCount())
}

func TestPendingBitDerivesPendingAck(t *testing.T) {
	p := New(2, nil)
	a, _ := p.Allocate(1, SectorTSD, 0)

	entry, err := p.Entry(a)
	require.NoError(t, err)
	require.False(t, entry.PendingAck())

	require.NoError(t, p.SetPendingBit(a, 0, true))
	entry, _ = p.Entry(a)
	require.True(t, entry.PendingAck())

	require.NoError(t, p.SetPendingBit(a, 1, true))
	require.NoError(t, p.SetPendingBit(a, 0, false))
	entry, _ = p.Entry(a)
	require.True(t, entry.PendingAck(), "still pending via source 1")

	require.NoError(t, p.SetPendingBit(a, 1, false))
	entry, _ = p.Entry(a)
	require.False(t, entry.PendingAck())
}

func TestFreePctThreshold(t *testing.T) {
	p := New(10, nil)
	for i := 0; i < 8; i++ {
		p.Allocate(uint64(i), SectorTSD, 0)
	}
	require.Equal(t, 20, p.FreePct())
}
