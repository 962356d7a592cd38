package disk

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DiskLayoutType is the layout configuration variant enum.
type DiskLayoutType uint64

const (
	LAYOUT_DEFAULT DiskLayoutType = iota
	LAYOUT_MANUAL
	LAYOUT_PRE_MOUNT
)

func (t DiskLayoutType) String() string {
	switch t {
	case LAYOUT_DEFAULT:
		return "default_layout"
	case LAYOUT_MANUAL:
		return "manual_partitioning"
	case LAYOUT_PRE_MOUNT:
		return "pre_mounted_config"
	default:
		panic(fmt.Sprintf("unknown or unsupported disk layout type with enum value %d", uint64(t)))
	}
}

func NewDiskLayoutType(s string) (DiskLayoutType, error) {
	switch s {
	case "default_layout":
		return LAYOUT_DEFAULT, nil
	case "manual_partitioning":
		return LAYOUT_MANUAL, nil
	case "pre_mounted_config":
		return LAYOUT_PRE_MOUNT, nil
	default:
		return LAYOUT_DEFAULT, fmt.Errorf("unknown or unsupported disk layout type name: %s", s)
	}
}

func (t DiskLayoutType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *DiskLayoutType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	new, err := NewDiskLayoutType(s)
	if err != nil {
		return err
	}
	*t = new
	return nil
}

// DeviceResolver is the host-probing collaborator the deserializer uses to
// turn device paths into live devices. The model itself never touches the
// host, which keeps parsing and validation pure and testable.
type DeviceResolver interface {
	// GetDevice resolves a device path; ok is false when the host does not
	// have the device.
	GetDevice(path string) (*BDevice, bool)

	// DetectPreMountedMods describes a layout that is already mounted below
	// the given mountpoint.
	DetectPreMountedMods(mountpoint string) ([]*DeviceModification, error)

	// DefaultTableFormat is the partition table laid down when wiping.
	DefaultTableFormat() PartitionTable
}

// DiskLayoutConfiguration is the root aggregate: every device modification
// of the layout plus the optional LVM, encryption and btrfs configurations.
// It owns all child entities; the LVM and encryption configs hold
// references into the device modifications, resolved by object id.
//
// The configuration is validated when built from a document and is not
// meant to be mutated afterwards. Edits go through reconstruction.
type DiskLayoutConfiguration struct {
	ConfigType          DiskLayoutType
	DeviceModifications []*DeviceModification
	LvmConfig           *LvmConfiguration
	DiskEncryption      *DiskEncryption
	BtrfsOptions        *BtrfsOptions

	// Mountpoint is only set for pre-mounted layouts.
	Mountpoint string
}

// HasDefaultBtrfsVols reports whether the layout implies the default btrfs
// subvolume scheme: a default layout where some partition to be created or
// modified is btrfs with declared subvolumes.
func (c *DiskLayoutConfiguration) HasDefaultBtrfsVols() bool {
	if c.ConfigType != LAYOUT_DEFAULT {
		return false
	}
	for _, mod := range c.DeviceModifications {
		for _, part := range mod.Partitions {
			if part.IsCreateOrModify() && part.FSType == FS_BTRFS && len(part.BtrfsSubvols) > 0 {
				return true
			}
		}
	}
	return false
}

// GetRootPartition returns the first partition across all devices holding
// the root filesystem.
func (c *DiskLayoutConfiguration) GetRootPartition() *PartitionModification {
	for _, mod := range c.DeviceModifications {
		if part := mod.GetRootPartition(); part != nil {
			return part
		}
	}
	return nil
}

// Wire format of the persisted document. Cross-references are serialized
// as object id lists, never as re-embedded entities.

type partitionDoc struct {
	ObjID        string                  `json:"obj_id"`
	Status       ModificationStatus      `json:"status"`
	Type         PartitionType           `json:"type"`
	Start        Size                    `json:"start"`
	Size         Size                    `json:"size"`
	FSType       string                  `json:"fs_type,omitempty"`
	Mountpoint   string                  `json:"mountpoint,omitempty"`
	MountOptions []string                `json:"mount_options"`
	Flags        []string                `json:"flags"`
	DevPath      string                  `json:"dev_path,omitempty"`
	Btrfs        []SubvolumeModification `json:"btrfs"`
}

type deviceModificationDoc struct {
	Device     string         `json:"device"`
	Wipe       bool           `json:"wipe"`
	Partitions []partitionDoc `json:"partitions"`
}

type lvmVolumeDoc struct {
	ObjID        string                  `json:"obj_id"`
	Status       ModificationStatus      `json:"status"`
	Name         string                  `json:"name"`
	FSType       string                  `json:"fs_type,omitempty"`
	Length       Size                    `json:"length"`
	Mountpoint   string                  `json:"mountpoint,omitempty"`
	MountOptions []string                `json:"mount_options"`
	Btrfs        []SubvolumeModification `json:"btrfs"`
}

type lvmVolumeGroupDoc struct {
	Name    string         `json:"name"`
	LvmPVs  []string       `json:"lvm_pvs"`
	Volumes []lvmVolumeDoc `json:"volumes"`
}

type lvmConfigurationDoc struct {
	ConfigType LvmLayoutType       `json:"config_type"`
	VolGroups  []lvmVolumeGroupDoc `json:"vol_groups"`
}

type diskEncryptionDoc struct {
	EncryptionType EncryptionType `json:"encryption_type"`
	Partitions     []string       `json:"partitions"`
	LvmVolumes     []string       `json:"lvm_volumes"`
	HSMDevice      *Fido2Device   `json:"hsm_device,omitempty"`
	IterTime       int            `json:"iter_time"`
}

type diskLayoutDoc struct {
	ConfigType          string                  `json:"config_type"`
	Mountpoint          string                  `json:"mountpoint,omitempty"`
	DeviceModifications []deviceModificationDoc `json:"device_modifications,omitempty"`
	LvmConfig           *lvmConfigurationDoc    `json:"lvm_config,omitempty"`
	DiskEncryption      *diskEncryptionDoc      `json:"disk_encryption,omitempty"`
	BtrfsOptions        *BtrfsOptions           `json:"btrfs_options,omitempty"`
}

// ParseDiskConfig builds a validated layout configuration from a persisted
// document. The password comes from the separate credentials file; without
// one, any disk_encryption entry is ignored rather than rejected.
//
// Devices the host does not have are skipped with a debug log so a
// configuration authored ahead of the target hardware still parses.
// Everything else that fails is a configuration error and aborts parsing.
func ParseDiskConfig(data []byte, resolver DeviceResolver, password string) (*DiskLayoutConfiguration, error) {
	var doc diskLayoutDoc
	if err := jsonUnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse disk configuration: %w", err)
	}

	if doc.ConfigType == "" {
		return nil, fmt.Errorf("missing config_type in disk configuration")
	}
	configType, err := NewDiskLayoutType(doc.ConfigType)
	if err != nil {
		return nil, err
	}

	config := &DiskLayoutConfiguration{
		ConfigType: configType,
	}

	if configType == LAYOUT_PRE_MOUNT {
		if doc.Mountpoint == "" {
			return nil, fmt.Errorf("a pre-mounted configuration requires a mountpoint")
		}
		mods, err := resolver.DetectPreMountedMods(doc.Mountpoint)
		if err != nil {
			return nil, fmt.Errorf("cannot detect pre-mounted layout at %s: %w", doc.Mountpoint, err)
		}
		config.Mountpoint = doc.Mountpoint
		config.DeviceModifications = mods
		return config, nil
	}

	// partitions by object id, for re-linking LVM and encryption references
	partitions := map[string]*PartitionModification{}

	for _, entry := range doc.DeviceModifications {
		if entry.Device == "" {
			logrus.Debug("device modification entry without a device path, skipping")
			continue
		}
		device, ok := resolver.GetDevice(entry.Device)
		if !ok {
			logrus.Debugf("device not found on host, skipping: %s", entry.Device)
			continue
		}

		mod := &DeviceModification{Device: device, Wipe: entry.Wipe}
		for _, partDoc := range entry.Partitions {
			part, err := parsePartition(partDoc)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", entry.Device, err)
			}
			mod.AddPartition(part)
			partitions[part.ObjID()] = part
		}

		if err := mod.Validate(resolver.DefaultTableFormat()); err != nil {
			return nil, err
		}

		config.DeviceModifications = append(config.DeviceModifications, mod)
	}

	if doc.LvmConfig != nil {
		lvmConfig, err := parseLvmConfig(*doc.LvmConfig, partitions)
		if err != nil {
			return nil, err
		}
		config.LvmConfig = lvmConfig
	}

	if doc.DiskEncryption != nil && password != "" {
		if !ValidateEnc(config.DeviceModifications, config.LvmConfig) {
			logrus.Warn("disk layout is not supported with encryption, ignoring disk_encryption")
		} else {
			enc, err := parseDiskEncryption(*doc.DiskEncryption, password, partitions, config.LvmConfig)
			if err != nil {
				return nil, err
			}
			config.DiskEncryption = enc
		}
	}

	if config.HasDefaultBtrfsVols() && doc.BtrfsOptions != nil {
		config.BtrfsOptions = doc.BtrfsOptions
	}

	return config, nil
}

func parsePartition(doc partitionDoc) (*PartitionModification, error) {
	fsType, err := NewFilesystemType(doc.FSType)
	if err != nil {
		return nil, err
	}

	// unknown flag names are skipped, the document may come from a build
	// with a newer flag set
	var flags []PartitionFlag
	for _, name := range doc.Flags {
		if flag, ok := NewPartitionFlag(name); ok {
			flags = append(flags, flag)
		}
	}

	part := &PartitionModification{
		Status:       doc.Status,
		Type:         doc.Type,
		Start:        doc.Start,
		Length:       doc.Size,
		FSType:       fsType,
		Mountpoint:   doc.Mountpoint,
		MountOptions: doc.MountOptions,
		Flags:        flags,
		BtrfsSubvols: parseSubvolumes(doc.Btrfs),
		DevPath:      doc.DevPath,
		objID:        doc.ObjID,
	}
	if part.objID == "" {
		part.objID = uuid.New().String()
	}

	if err := part.check(); err != nil {
		return nil, err
	}
	return part, nil
}

func parseLvmVolume(doc lvmVolumeDoc, vgName string) (*LvmVolume, error) {
	fsType, err := NewFilesystemType(doc.FSType)
	if err != nil {
		return nil, err
	}

	vol := &LvmVolume{
		Status:       doc.Status,
		Name:         doc.Name,
		FSType:       fsType,
		Length:       doc.Length,
		Mountpoint:   doc.Mountpoint,
		MountOptions: doc.MountOptions,
		BtrfsSubvols: parseSubvolumes(doc.Btrfs),
		VGName:       vgName,
		objID:        doc.ObjID,
	}
	if vol.objID == "" {
		vol.objID = uuid.New().String()
	}
	return vol, nil
}

func parseLvmConfig(doc lvmConfigurationDoc, partitions map[string]*PartitionModification) (*LvmConfiguration, error) {
	var groups []*LvmVolumeGroup
	for _, groupDoc := range doc.VolGroups {
		group := &LvmVolumeGroup{Name: groupDoc.Name}

		for _, id := range groupDoc.LvmPVs {
			pv, ok := partitions[id]
			if !ok {
				return nil, fmt.Errorf("volume group %s references unknown partition %s", groupDoc.Name, id)
			}
			group.PVs = append(group.PVs, pv)
		}

		for _, volDoc := range groupDoc.Volumes {
			vol, err := parseLvmVolume(volDoc, groupDoc.Name)
			if err != nil {
				return nil, fmt.Errorf("volume group %s: %w", groupDoc.Name, err)
			}
			group.Volumes = append(group.Volumes, vol)
		}

		groups = append(groups, group)
	}

	return NewLvmConfiguration(doc.ConfigType, groups)
}

func parseDiskEncryption(doc diskEncryptionDoc, password string, partitions map[string]*PartitionModification, lvmConfig *LvmConfiguration) (*DiskEncryption, error) {
	enc := DiskEncryption{
		EncryptionType: doc.EncryptionType,
		Password:       password,
		HSMDevice:      doc.HSMDevice,
		IterTime:       doc.IterTime,
	}

	for _, id := range doc.Partitions {
		part, ok := partitions[id]
		if !ok {
			return nil, fmt.Errorf("disk encryption references unknown partition %s", id)
		}
		enc.Partitions = append(enc.Partitions, part)
	}

	if len(doc.LvmVolumes) > 0 {
		if lvmConfig == nil {
			return nil, fmt.Errorf("disk encryption references LVM volumes but no LVM configuration is present")
		}
		volumes := map[string]*LvmVolume{}
		for _, vol := range lvmConfig.GetAllVolumes() {
			volumes[vol.ObjID()] = vol
		}
		for _, id := range doc.LvmVolumes {
			vol, ok := volumes[id]
			if !ok {
				return nil, fmt.Errorf("disk encryption references unknown LVM volume %s", id)
			}
			enc.LvmVolumes = append(enc.LvmVolumes, vol)
		}
	}

	return NewDiskEncryption(enc)
}

// MarshalJSON emits the persisted document form. The password and HSM
// secrets are not part of it, they live in the separate credentials file.
func (c *DiskLayoutConfiguration) MarshalJSON() ([]byte, error) {
	doc := diskLayoutDoc{
		ConfigType: c.ConfigType.String(),
	}

	if c.ConfigType == LAYOUT_PRE_MOUNT {
		doc.Mountpoint = c.Mountpoint
		return json.Marshal(doc)
	}

	for _, mod := range c.DeviceModifications {
		modDoc := deviceModificationDoc{
			Device:     mod.DevicePath(),
			Wipe:       mod.Wipe,
			Partitions: []partitionDoc{},
		}
		for _, part := range mod.Partitions {
			modDoc.Partitions = append(modDoc.Partitions, documentPartition(part))
		}
		doc.DeviceModifications = append(doc.DeviceModifications, modDoc)
	}

	if c.LvmConfig != nil {
		lvmDoc := &lvmConfigurationDoc{
			ConfigType: c.LvmConfig.ConfigType,
		}
		for _, group := range c.LvmConfig.VolGroups {
			groupDoc := lvmVolumeGroupDoc{
				Name:    group.Name,
				LvmPVs:  []string{},
				Volumes: []lvmVolumeDoc{},
			}
			for _, pv := range group.PVs {
				groupDoc.LvmPVs = append(groupDoc.LvmPVs, pv.ObjID())
			}
			for _, vol := range group.Volumes {
				groupDoc.Volumes = append(groupDoc.Volumes, documentLvmVolume(vol))
			}
			lvmDoc.VolGroups = append(lvmDoc.VolGroups, groupDoc)
		}
		doc.LvmConfig = lvmDoc
	}

	if c.DiskEncryption != nil {
		encDoc := &diskEncryptionDoc{
			EncryptionType: c.DiskEncryption.EncryptionType,
			Partitions:     []string{},
			LvmVolumes:     []string{},
			HSMDevice:      c.DiskEncryption.HSMDevice,
			IterTime:       c.DiskEncryption.IterTime,
		}
		for _, part := range c.DiskEncryption.Partitions {
			encDoc.Partitions = append(encDoc.Partitions, part.ObjID())
		}
		for _, vol := range c.DiskEncryption.LvmVolumes {
			encDoc.LvmVolumes = append(encDoc.LvmVolumes, vol.ObjID())
		}
		doc.DiskEncryption = encDoc
	}

	doc.BtrfsOptions = c.BtrfsOptions

	return json.Marshal(doc)
}

func documentPartition(part *PartitionModification) partitionDoc {
	doc := partitionDoc{
		ObjID:        part.ObjID(),
		Status:       part.Status,
		Type:         part.Type,
		Start:        part.Start,
		Size:         part.Length,
		FSType:       part.FSType.String(),
		Mountpoint:   part.Mountpoint,
		MountOptions: part.MountOptions,
		Flags:        []string{},
		DevPath:      part.DevPath,
		Btrfs:        part.BtrfsSubvols,
	}
	if doc.MountOptions == nil {
		doc.MountOptions = []string{}
	}
	if doc.Btrfs == nil {
		doc.Btrfs = []SubvolumeModification{}
	}
	for _, flag := range part.Flags {
		doc.Flags = append(doc.Flags, flag.String())
	}
	return doc
}

func documentLvmVolume(vol *LvmVolume) lvmVolumeDoc {
	doc := lvmVolumeDoc{
		ObjID:        vol.ObjID(),
		Status:       vol.Status,
		Name:         vol.Name,
		FSType:       vol.FSType.String(),
		Length:       vol.Length,
		Mountpoint:   vol.Mountpoint,
		MountOptions: vol.MountOptions,
		Btrfs:        vol.BtrfsSubvols,
	}
	if doc.MountOptions == nil {
		doc.MountOptions = []string{}
	}
	if doc.Btrfs == nil {
		doc.Btrfs = []SubvolumeModification{}
	}
	return doc
}
