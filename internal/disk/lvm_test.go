package disk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osinstall/diskplan/internal/disk"
)

func testVolume(name, mountpoint string) *disk.LvmVolume {
	return disk.NewLvmVolume(disk.LvmVolume{
		Status:     disk.MOD_CREATE,
		Name:       name,
		FSType:     disk.FS_EXT4,
		Length:     disk.NewSize(20, disk.UNIT_GIB),
		Mountpoint: mountpoint,
	})
}

func TestLvmConfigurationRejectsSharedPV(t *testing.T) {
	pv := createPartition(t, 1, 4096)

	groups := []*disk.LvmVolumeGroup{
		{Name: "vg0", PVs: []*disk.PartitionModification{pv}},
		{Name: "vg1", PVs: []*disk.PartitionModification{pv}},
	}

	_, err := disk.NewLvmConfiguration(disk.LVM_LAYOUT_DEFAULT, groups)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vg0")
	assert.Contains(t, err.Error(), "vg1")
}

func TestLvmConfigurationLookups(t *testing.T) {
	pv0 := createPartition(t, 1, 4096)
	pv1 := createPartition(t, 4097, 4096)

	rootVol := testVolume("root", "/")
	homeVol := testVolume("home", "/home")
	dataVol := testVolume("data", "/srv")

	config, err := disk.NewLvmConfiguration(disk.LVM_LAYOUT_DEFAULT, []*disk.LvmVolumeGroup{
		{Name: "vg0", PVs: []*disk.PartitionModification{pv0}, Volumes: []*disk.LvmVolume{rootVol, homeVol}},
		{Name: "vg1", PVs: []*disk.PartitionModification{pv1}, Volumes: []*disk.LvmVolume{dataVol}},
	})
	require.NoError(t, err)

	assert.Len(t, config.GetAllPVs(), 2)
	assert.Len(t, config.GetAllVolumes(), 3)
	assert.Equal(t, rootVol, config.GetRootVolume())

	assert.True(t, config.VolGroups[0].ContainsVolume(homeVol))
	assert.False(t, config.VolGroups[1].ContainsVolume(homeVol))
}

func TestLvmRootVolumeViaSubvolume(t *testing.T) {
	vol := disk.NewLvmVolume(disk.LvmVolume{
		Status: disk.MOD_CREATE,
		Name:   "system",
		FSType: disk.FS_BTRFS,
		Length: disk.NewSize(50, disk.UNIT_GIB),
		BtrfsSubvols: []disk.SubvolumeModification{
			{Name: "@", Mountpoint: "/"},
		},
	})

	config, err := disk.NewLvmConfiguration(disk.LVM_LAYOUT_DEFAULT, []*disk.LvmVolumeGroup{
		{Name: "vg0", Volumes: []*disk.LvmVolume{vol}},
	})
	require.NoError(t, err)
	assert.Equal(t, vol, config.GetRootVolume())
}

func TestLvmVolumeMapperPath(t *testing.T) {
	vol := testVolume("root", "/")
	_, err := vol.MapperPath()
	assert.Error(t, err, "no device path yet")

	vol.DevPath = "/dev/vg0/root"
	assert.Equal(t, "ainstroot", vol.MapperName())

	mapperPath, err := vol.MapperPath()
	require.NoError(t, err)
	assert.Equal(t, "/dev/mapper/ainstroot", mapperPath)
}
