package sectorio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iotfleet/mm2/internal/pool"
)

func TestTSDTimestampLaw(t *testing.T) {
	var s pool.Sector
	const rate = uint32(1000)
	SetTSDFirstUTCMs(&s, 1_000)
	for i := 0; i < TSDCapacity(); i++ {
		SetTSDValue(&s, i, uint32(100+i))
	}

	for i := 0; i < TSDCapacity(); i++ {
		require.Equal(t, uint32(100+i), TSDValue(&s, i))
		require.Equal(t, uint64(1_000)+uint64(i)*uint64(rate), TSDTimestamp(&s, i, rate))
	}
}

func TestEVTRoundTrip(t *testing.T) {
	var s pool.Sector
	SetEVTPair(&s, 0, 42, 5_000)
	SetEVTPair(&s, 1, 43, 5_003)

	require.Equal(t, uint32(42), EVTValue(&s, 0))
	require.Equal(t, uint64(5_000), EVTTimestamp(&s, 0))
	require.Equal(t, uint32(43), EVTValue(&s, 1))
	require.Equal(t, uint64(5_003), EVTTimestamp(&s, 1))
}

func TestSectorSizeIs32Bytes(t *testing.T) {
	var s pool.Sector
	require.Len(t, s[:], 32)
}
