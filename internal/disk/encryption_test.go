package disk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osinstall/diskplan/internal/disk"
)

func TestNewDiskEncryptionInvariants(t *testing.T) {
	_, err := disk.NewDiskEncryption(disk.DiskEncryption{
		EncryptionType: disk.ENC_LUKS,
		Password:       "hunter2",
	})
	assert.Error(t, err, "luks without partitions")

	_, err = disk.NewDiskEncryption(disk.DiskEncryption{
		EncryptionType: disk.ENC_LVM_ON_LUKS,
		Password:       "hunter2",
	})
	assert.Error(t, err, "lvm_on_luks without partitions")

	_, err = disk.NewDiskEncryption(disk.DiskEncryption{
		EncryptionType: disk.ENC_LUKS_ON_LVM,
		Password:       "hunter2",
	})
	assert.Error(t, err, "luks_on_lvm without volumes")

	part := createPartition(t, 1, 4096)
	enc, err := disk.NewDiskEncryption(disk.DiskEncryption{
		EncryptionType: disk.ENC_LUKS,
		Password:       "hunter2",
		Partitions:     []*disk.PartitionModification{part},
	})
	require.NoError(t, err)
	assert.Equal(t, disk.DefaultIterTime, enc.IterTime)

	vol := disk.NewLvmVolume(disk.LvmVolume{
		Status:     disk.MOD_CREATE,
		Name:       "root",
		FSType:     disk.FS_EXT4,
		Length:     disk.NewSize(20, disk.UNIT_GIB),
		Mountpoint: "/",
	})
	_, err = disk.NewDiskEncryption(disk.DiskEncryption{
		EncryptionType: disk.ENC_LUKS_ON_LVM,
		Password:       "hunter2",
		LvmVolumes:     []*disk.LvmVolume{vol},
	})
	assert.NoError(t, err)
}

func TestShouldGenerateEncryptionFile(t *testing.T) {
	root := createPartition(t, 1, 4096)
	root.Mountpoint = "/"
	home := createPartition(t, 4097, 4096)
	home.Mountpoint = "/home"

	enc, err := disk.NewDiskEncryption(disk.DiskEncryption{
		EncryptionType: disk.ENC_LUKS,
		Password:       "hunter2",
		Partitions:     []*disk.PartitionModification{root, home},
	})
	require.NoError(t, err)

	// the root passphrase is entered at boot, never written to a keyfile
	assert.False(t, enc.ShouldGenerateEncryptionFile(root))
	assert.True(t, enc.ShouldGenerateEncryptionFile(home))

	// not part of the encrypted set at all
	other := createPartition(t, 8193, 4096)
	other.Mountpoint = "/var"
	assert.False(t, enc.ShouldGenerateEncryptionFile(other))
}

func TestShouldGenerateEncryptionFileForVolumes(t *testing.T) {
	rootVol := disk.NewLvmVolume(disk.LvmVolume{
		Status:     disk.MOD_CREATE,
		Name:       "root",
		FSType:     disk.FS_EXT4,
		Length:     disk.NewSize(20, disk.UNIT_GIB),
		Mountpoint: "/",
	})
	dataVol := disk.NewLvmVolume(disk.LvmVolume{
		Status:     disk.MOD_CREATE,
		Name:       "data",
		FSType:     disk.FS_EXT4,
		Length:     disk.NewSize(100, disk.UNIT_GIB),
		Mountpoint: "/srv",
	})

	enc, err := disk.NewDiskEncryption(disk.DiskEncryption{
		EncryptionType: disk.ENC_LUKS_ON_LVM,
		Password:       "hunter2",
		LvmVolumes:     []*disk.LvmVolume{rootVol, dataVol},
	})
	require.NoError(t, err)

	assert.False(t, enc.ShouldGenerateEncryptionFile(rootVol))
	assert.True(t, enc.ShouldGenerateEncryptionFile(dataVol))
}

func TestValidateEnc(t *testing.T) {
	device := testDevice(disk.NewSize(100, disk.UNIT_GIB))

	mods := []*disk.DeviceModification{{Device: device, Wipe: true}}
	for i := 0; i < 3; i++ {
		mods[0].AddPartition(createPartition(t, uint64(1+i*100), 100))
	}

	lvmConfig := &disk.LvmConfiguration{}

	assert.False(t, disk.ValidateEnc(mods, lvmConfig), "more than two partitions with LVM")
	assert.True(t, disk.ValidateEnc(mods, nil))

	mods[0].Partitions = mods[0].Partitions[:2]
	assert.True(t, disk.ValidateEnc(mods, lvmConfig))
}
