package diskfile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iotfleet/mm2/internal/constants"
	"github.com/iotfleet/mm2/internal/pool"
)

func TestHeaderRoundTrip(t *testing.T) {
	payload := make([]byte, 6*32)
	for i := range payload {
		payload[i] = byte(i)
	}

	h := Header{
		Magic:            constants.NormalFileMagic,
		SectorType:       pool.SectorTSD,
		ConversionStatus: UTCKnown,
		FormatVersion:    uint8(constants.FormatVersion),
		OwnerSensorID:    42,
		RecordCount:      6,
		OriginalSectorID: 7,
		FirstUTCMs:       1_000,
		LastUTCMs:        1_500,
		DataSize:         uint32(len(payload)),
		CRC32:            ComputeCRC32(payload),
	}

	b := h.Marshal()
	require.Len(t, b, HeaderSize)

	got, err := UnmarshalHeader(b)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.NoError(t, got.Validate(payload))
}

func TestHeaderValidateRejectsBadCRC(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	h := Header{
		Magic:         constants.NormalFileMagic,
		FormatVersion: uint8(constants.FormatVersion),
		CRC32:         0xDEAD,
	}
	require.Error(t, h.Validate(payload))
}

func TestHeaderValidateRejectsBadMagic(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	h := Header{
		Magic:         0x1,
		FormatVersion: uint8(constants.FormatVersion),
		CRC32:         ComputeCRC32(payload),
	}
	require.Error(t, h.Validate(payload))
}

func TestEmergencyHeaderRoundTrip(t *testing.T) {
	payload := make([]byte, 32)
	eh := EmergencyHeader{
		Magic:       constants.EmergencyFileMagic,
		SectorID:    9,
		SectorType:  pool.SectorEVT,
		TimestampMs: 123_456,
		Checksum:    ComputeCRC32(payload),
	}

	b := eh.Marshal()
	require.Len(t, b, EmergencyHeaderSize)

	got, err := UnmarshalEmergencyHeader(b)
	require.NoError(t, err)
	require.Equal(t, eh, got)
	require.NoError(t, got.Validate(payload))
}
