package disk

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/google/uuid"
)

// LvmLayoutType is the LVM configuration layout enum. Only the best-effort
// default layout exists today; manual LVM layouts are built partition by
// partition instead.
type LvmLayoutType uint64

const (
	LVM_LAYOUT_DEFAULT LvmLayoutType = iota
)

func (t LvmLayoutType) String() string {
	switch t {
	case LVM_LAYOUT_DEFAULT:
		return "default"
	default:
		panic(fmt.Sprintf("unknown or unsupported LVM layout type with enum value %d", uint64(t)))
	}
}

func NewLvmLayoutType(s string) (LvmLayoutType, error) {
	switch s {
	case "default":
		return LVM_LAYOUT_DEFAULT, nil
	default:
		return LVM_LAYOUT_DEFAULT, fmt.Errorf("unknown or unsupported LVM layout type name: %s", s)
	}
}

func (t LvmLayoutType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *LvmLayoutType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	new, err := NewLvmLayoutType(s)
	if err != nil {
		return err
	}
	*t = new
	return nil
}

// LvmVolume is a logical volume inside a volume group. It has the same
// shape as a partition modification minus the partition-table-specific
// fields, plus the name of its owning group and a mapper device path once
// the volume exists.
type LvmVolume struct {
	Status       ModificationStatus
	Name         string
	FSType       FilesystemType
	Length       Size
	Mountpoint   string
	MountOptions []string
	BtrfsSubvols []SubvolumeModification

	// owning volume group, set when the volume is attached to a group
	VGName string
	// mapper device path /dev/<vg>/<vol>, set once the volume exists
	DevPath string

	objID string
}

// NewLvmVolume assigns a fresh object id to the volume.
func NewLvmVolume(vol LvmVolume) *LvmVolume {
	vol.objID = uuid.New().String()
	return &vol
}

// ObjID returns the stable synthetic id used for cross-referencing.
func (v *LvmVolume) ObjID() string {
	return v.objID
}

func (v *LvmVolume) IsModify() bool {
	return v.Status == MOD_MODIFY
}

func (v *LvmVolume) Exists() bool {
	return v.Status == MOD_EXIST
}

func (v *LvmVolume) IsExistsOrModify() bool {
	return v.Status == MOD_EXIST || v.Status == MOD_MODIFY
}

// IsRoot reports whether the volume holds the root filesystem, directly or
// through a btrfs subvolume mounted at /.
func (v *LvmVolume) IsRoot() bool {
	if v.Mountpoint != "" {
		return v.Mountpoint == "/"
	}
	for _, subvol := range v.BtrfsSubvols {
		if subvol.IsRoot() {
			return true
		}
	}
	return false
}

// MountPath returns the mountpoint; it implements the encryptable-entity
// lookup used by DiskEncryption.
func (v *LvmVolume) MountPath() string {
	return v.Mountpoint
}

// MapperName is the dm-crypt name the volume is unlocked under.
func (v *LvmVolume) MapperName() string {
	if v.DevPath == "" {
		return ""
	}
	return EncMapperPrefix + path.Base(v.DevPath)
}

// MapperPath is the /dev/mapper path of the unlocked volume.
func (v *LvmVolume) MapperPath() (string, error) {
	name := v.MapperName()
	if name == "" {
		return "", fmt.Errorf("volume %s has no device path, mapper path not available", v.Name)
	}
	return "/dev/mapper/" + name, nil
}

// LvmVolumeGroup is a named volume group: the physical-volume partitions
// backing it and the logical volumes carved out of it. The PV list holds
// references into the device modifications, resolved by object id.
type LvmVolumeGroup struct {
	Name    string
	PVs     []*PartitionModification
	Volumes []*LvmVolume
}

func (vg *LvmVolumeGroup) ContainsVolume(vol *LvmVolume) bool {
	for _, v := range vg.Volumes {
		if v.ObjID() == vol.ObjID() {
			return true
		}
	}
	return false
}

// LvmConfiguration holds all volume groups of a layout.
type LvmConfiguration struct {
	ConfigType LvmLayoutType
	VolGroups  []*LvmVolumeGroup
}

// NewLvmConfiguration builds the configuration and enforces that no
// physical-volume partition backs more than one volume group.
func NewLvmConfiguration(configType LvmLayoutType, volGroups []*LvmVolumeGroup) (*LvmConfiguration, error) {
	seen := map[string]string{}
	for _, group := range volGroups {
		for _, pv := range group.PVs {
			if other, ok := seen[pv.ObjID()]; ok {
				return nil, fmt.Errorf("physical volume %s is used by volume groups %q and %q: a PV cannot be used in multiple volume groups",
					pv.ObjID(), other, group.Name)
			}
			seen[pv.ObjID()] = group.Name
		}
	}

	return &LvmConfiguration{
		ConfigType: configType,
		VolGroups:  volGroups,
	}, nil
}

// GetAllPVs returns the physical volumes of every group.
func (c *LvmConfiguration) GetAllPVs() []*PartitionModification {
	var pvs []*PartitionModification
	for _, vg := range c.VolGroups {
		pvs = append(pvs, vg.PVs...)
	}
	return pvs
}

// GetAllVolumes returns the logical volumes of every group.
func (c *LvmConfiguration) GetAllVolumes() []*LvmVolume {
	var volumes []*LvmVolume
	for _, vg := range c.VolGroups {
		volumes = append(volumes, vg.Volumes...)
	}
	return volumes
}

// GetRootVolume returns the volume holding the root filesystem, if any.
func (c *LvmConfiguration) GetRootVolume() *LvmVolume {
	for _, vg := range c.VolGroups {
		for _, vol := range vg.Volumes {
			if vol.IsRoot() {
				return vol
			}
		}
	}
	return nil
}
