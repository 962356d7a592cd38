package disk_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osinstall/diskplan/internal/disk"
)

func TestSizeNormalization(t *testing.T) {
	assert.Equal(t, uint64(1), disk.NewByteSize(1).Bytes())
	assert.Equal(t, uint64(1000), disk.NewSize(1, disk.UNIT_KB).Bytes())
	assert.Equal(t, uint64(1024), disk.NewSize(1, disk.UNIT_KIB).Bytes())
	assert.Equal(t, uint64(1048576), disk.NewSize(1, disk.UNIT_MIB).Bytes())
	assert.Equal(t, uint64(1000000000), disk.NewSize(1, disk.UNIT_GB).Bytes())

	sectors := disk.Size{Value: 2048, Unit: disk.UNIT_SECTORS, SectorSize: disk.DefaultSectorSize()}
	assert.Equal(t, uint64(1048576), sectors.Bytes())

	big := disk.Size{Value: 4, Unit: disk.UNIT_SECTORS, SectorSize: disk.SectorSize{Value: 4, Unit: disk.UNIT_KIB}}
	assert.Equal(t, uint64(16384), big.Bytes())
}

func TestSizeSaturatesInsteadOfWrapping(t *testing.T) {
	assert.Equal(t, uint64(math.MaxUint64), disk.NewSize(1000, disk.UNIT_YB).Bytes())
	assert.Equal(t, uint64(math.MaxUint64), disk.NewSize(math.MaxUint64, disk.UNIT_KIB).Bytes())

	sum := disk.NewByteSize(math.MaxUint64).Add(disk.NewByteSize(1))
	assert.Equal(t, uint64(math.MaxUint64), sum.Bytes())
}

func TestSizeConvert(t *testing.T) {
	s := disk.NewSize(1, disk.UNIT_GIB)
	assert.Equal(t, uint64(1024), s.Convert(disk.UNIT_MIB).Value)
	assert.Equal(t, uint64(1073741824), s.Convert(disk.UNIT_B).Value)

	// conversions between families truncate
	assert.Equal(t, uint64(1), disk.NewSize(1073741824, disk.UNIT_B).Convert(disk.UNIT_GB).Value)
	assert.Equal(t, uint64(0), disk.NewSize(999, disk.UNIT_B).Convert(disk.UNIT_KB).Value)
}

func TestSizeConvertToSectorsRoundsUp(t *testing.T) {
	ss := disk.DefaultSectorSize()

	exact := disk.NewByteSize(1024).ConvertToSectors(ss)
	assert.Equal(t, uint64(2), exact.Value)
	assert.Equal(t, disk.UNIT_SECTORS, exact.Unit)

	partial := disk.NewByteSize(1025).ConvertToSectors(ss)
	assert.Equal(t, uint64(3), partial.Value)

	// a partial sector still covers the original byte count
	assert.True(t, partial.GreaterEqual(disk.NewByteSize(1025)))
}

func TestSizeRoundTripAcrossUnits(t *testing.T) {
	s := disk.NewSize(10, disk.UNIT_GIB)
	back := s.Convert(disk.UNIT_MB).Convert(disk.UNIT_KIB).Convert(disk.UNIT_GIB)
	// truncation at each step loses less than one unit of the
	// intermediate steps
	assert.InDelta(t, 10, float64(back.Value), 1)

	exact := disk.NewSize(512, disk.UNIT_MIB).Convert(disk.UNIT_B).Convert(disk.UNIT_KIB).Convert(disk.UNIT_MIB)
	assert.Equal(t, uint64(512), exact.Value)
}

func TestSizeIsValidStartBoundary(t *testing.T) {
	assert.True(t, disk.NewSize(1, disk.UNIT_MIB).IsValidStart())
	assert.False(t, disk.NewSize(512, disk.UNIT_KIB).IsValidStart())
	assert.False(t, disk.NewByteSize(1048575).IsValidStart())
	assert.True(t, disk.NewByteSize(1048576).IsValidStart())
}

func TestSizeAlign(t *testing.T) {
	assert.Equal(t, uint64(0), disk.NewByteSize(1048575).Align().Bytes())
	assert.Equal(t, uint64(1048576), disk.NewByteSize(1048576).Align().Bytes())
	assert.Equal(t, uint64(1048576), disk.NewByteSize(2097151).Align().Bytes())

	aligned := disk.NewSize(100, disk.UNIT_MIB)
	assert.True(t, aligned.Equal(aligned.Align()))
}

func TestSizeGPTEnd(t *testing.T) {
	total := disk.NewSize(1, disk.UNIT_GIB)
	assert.Equal(t, uint64(1073741824-1048576), total.GPTEnd().Bytes())
}

func TestSizeSubIsAbsolute(t *testing.T) {
	a := disk.NewSize(1, disk.UNIT_MIB)
	b := disk.NewSize(2, disk.UNIT_MIB)
	assert.Equal(t, uint64(1048576), a.Sub(b).Bytes())
	assert.Equal(t, uint64(1048576), b.Sub(a).Bytes())
}

func TestSizeComparisonsIgnoreUnit(t *testing.T) {
	kib := disk.NewSize(1024, disk.UNIT_KIB)
	mib := disk.NewSize(1, disk.UNIT_MIB)
	sectors := disk.Size{Value: 2048, Unit: disk.UNIT_SECTORS, SectorSize: disk.DefaultSectorSize()}

	assert.True(t, kib.Equal(mib))
	assert.True(t, sectors.Equal(mib))
	assert.True(t, disk.NewSize(1, disk.UNIT_KB).Less(disk.NewSize(1, disk.UNIT_KIB)))
	assert.True(t, mib.LessEqual(kib))
	assert.False(t, mib.Greater(kib))
}

func TestSizeFormatHighest(t *testing.T) {
	assert.Equal(t, "1.5 GiB", disk.NewByteSize(1610612736).FormatHighest(disk.UNITS_BINARY))
	assert.Equal(t, "512 B", disk.NewByteSize(512).FormatHighest(disk.UNITS_BINARY))
	assert.Equal(t, "2 GB", disk.NewByteSize(2000000000).FormatHighest(disk.UNITS_DECIMAL))
	assert.Equal(t, "999 B", disk.NewByteSize(999).FormatHighest(disk.UNITS_DECIMAL))
}

func TestSizeJSONRoundTrip(t *testing.T) {
	s := disk.NewSize(100, disk.UNIT_MIB)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":100,"unit":"MiB","sector_size":{"value":512,"unit":"B"}}`, string(data))

	var parsed disk.Size
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, s, parsed)
}

func TestSizeUnmarshalRejectsUnknownFields(t *testing.T) {
	var s disk.Size
	err := json.Unmarshal([]byte(`{"value":1,"unit":"MiB","frobnicate":true}`), &s)
	assert.Error(t, err)
}

func TestSizeUnmarshalSectorsRequireSectorSize(t *testing.T) {
	var s disk.Size
	err := json.Unmarshal([]byte(`{"value":2048,"unit":"sectors"}`), &s)
	assert.Error(t, err)

	require.NoError(t, json.Unmarshal([]byte(`{"value":2048,"unit":"sectors","sector_size":{"value":512,"unit":"B"}}`), &s))
	assert.Equal(t, uint64(1048576), s.Bytes())
}

func TestSectorSizeRejectsSectorsUnit(t *testing.T) {
	_, err := disk.NewSectorSize(1, disk.UNIT_SECTORS)
	assert.Error(t, err)

	var ss disk.SectorSize
	err = json.Unmarshal([]byte(`{"value":1,"unit":"sectors"}`), &ss)
	assert.Error(t, err)
}

func TestUnitNames(t *testing.T) {
	unit, err := disk.NewUnit("GiB")
	require.NoError(t, err)
	assert.Equal(t, disk.UNIT_GIB, unit)
	assert.Equal(t, "GiB", unit.String())

	_, err = disk.NewUnit("parsecs")
	assert.Error(t, err)
}
