package disk

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Prefix for dm-crypt mapper names of unlocked devices.
const EncMapperPrefix = "ainst"

// ModificationStatus is the partition status enum: what the execution engine
// is supposed to do with the partition.
type ModificationStatus uint64

const (
	MOD_EXIST ModificationStatus = iota
	MOD_MODIFY
	MOD_DELETE
	MOD_CREATE
)

func (m ModificationStatus) String() string {
	switch m {
	case MOD_EXIST:
		return "existing"
	case MOD_MODIFY:
		return "modify"
	case MOD_DELETE:
		return "delete"
	case MOD_CREATE:
		return "create"
	default:
		panic(fmt.Sprintf("unknown or unsupported modification status with enum value %d", uint64(m)))
	}
}

func NewModificationStatus(s string) (ModificationStatus, error) {
	switch s {
	case "existing":
		return MOD_EXIST, nil
	case "modify":
		return MOD_MODIFY, nil
	case "delete":
		return MOD_DELETE, nil
	case "create":
		return MOD_CREATE, nil
	default:
		return MOD_EXIST, fmt.Errorf("unknown or unsupported modification status name: %s", s)
	}
}

func (m ModificationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *ModificationStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	status, err := NewModificationStatus(s)
	if err != nil {
		return err
	}
	*m = status
	return nil
}

// PartitionType is the partition-table-level type of a partition.
type PartitionType uint64

const (
	PART_BOOT PartitionType = iota
	PART_PRIMARY
	PART_UNKNOWN
)

func (t PartitionType) String() string {
	switch t {
	case PART_BOOT:
		return "boot"
	case PART_PRIMARY:
		return "primary"
	case PART_UNKNOWN:
		return "unknown"
	default:
		panic(fmt.Sprintf("unknown or unsupported partition type with enum value %d", uint64(t)))
	}
}

func NewPartitionType(s string) (PartitionType, error) {
	switch s {
	case "boot":
		return PART_BOOT, nil
	case "primary":
		return PART_PRIMARY, nil
	case "unknown":
		return PART_UNKNOWN, nil
	default:
		return PART_UNKNOWN, fmt.Errorf("unknown or unsupported partition type name: %s", s)
	}
}

func (t PartitionType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *PartitionType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	new, err := NewPartitionType(s)
	if err != nil {
		return err
	}
	*t = new
	return nil
}

// PartitionFlag is a partition-table flag. The wire name is the lowercase
// flag name, with the parted aliases accepted on input.
type PartitionFlag uint64

const (
	FLAG_BOOT PartitionFlag = iota
	FLAG_XBOOTLDR
	FLAG_ESP
	FLAG_LINUX_HOME
	FLAG_SWAP
)

func (f PartitionFlag) String() string {
	switch f {
	case FLAG_BOOT:
		return "boot"
	case FLAG_XBOOTLDR:
		return "bls_boot" // parted's name for XBOOTLDR
	case FLAG_ESP:
		return "esp"
	case FLAG_LINUX_HOME:
		return "linux-home"
	case FLAG_SWAP:
		return "swap"
	default:
		panic(fmt.Sprintf("unknown or unsupported partition flag with enum value %d", uint64(f)))
	}
}

// NewPartitionFlag resolves a flag by name or parted alias, case
// insensitively. Unknown flags return false so callers can skip them;
// configurations may be written for newer flag sets than this build knows.
func NewPartitionFlag(s string) (PartitionFlag, bool) {
	switch strings.ToLower(s) {
	case "boot":
		return FLAG_BOOT, true
	case "xbootldr", "bls_boot":
		return FLAG_XBOOTLDR, true
	case "esp":
		return FLAG_ESP, true
	case "linux_home", "linux-home":
		return FLAG_LINUX_HOME, true
	case "swap":
		return FLAG_SWAP, true
	default:
		logrus.Debugf("partition flag not supported: %s", s)
		return 0, false
	}
}

func (f PartitionFlag) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *PartitionFlag) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	flag, ok := NewPartitionFlag(s)
	if !ok {
		return fmt.Errorf("unknown or unsupported partition flag name: %s", s)
	}
	*f = flag
	return nil
}

// FilesystemType is the filesystem type enum.
type FilesystemType uint64

const (
	FS_NONE FilesystemType = iota
	FS_BTRFS
	FS_EXT2
	FS_EXT3
	FS_EXT4
	FS_F2FS
	FS_FAT12
	FS_FAT16
	FS_FAT32
	FS_NTFS
	FS_XFS
	FS_LINUX_SWAP
	FS_CRYPTO_LUKS
)

var fsTypeNames = map[FilesystemType]string{
	FS_NONE:       "",
	FS_BTRFS:      "btrfs",
	FS_EXT2:       "ext2",
	FS_EXT3:       "ext3",
	FS_EXT4:       "ext4",
	FS_F2FS:       "f2fs",
	FS_FAT12:      "fat12",
	FS_FAT16:      "fat16",
	FS_FAT32:      "fat32",
	FS_NTFS:       "ntfs",
	FS_XFS:        "xfs",
	FS_LINUX_SWAP: "linux-swap",
	// not a filesystem the partitioner can create, only reported for
	// existing encrypted partitions
	FS_CRYPTO_LUKS: "crypto_LUKS",
}

func (f FilesystemType) String() string {
	name, ok := fsTypeNames[f]
	if !ok {
		panic(fmt.Sprintf("unknown or unsupported filesystem type with enum value %d", uint64(f)))
	}
	return name
}

func NewFilesystemType(s string) (FilesystemType, error) {
	for fsType, name := range fsTypeNames {
		if name == s {
			return fsType, nil
		}
	}
	return FS_NONE, fmt.Errorf("unknown or unsupported filesystem type name: %s", s)
}

func (f FilesystemType) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *FilesystemType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	fsType, err := NewFilesystemType(s)
	if err != nil {
		return err
	}
	*f = fsType
	return nil
}

func (f FilesystemType) IsCrypto() bool {
	return f == FS_CRYPTO_LUKS
}

// MountType is the fs type to pass to mount(8), which differs from the
// creation name for a few filesystems.
func (f FilesystemType) MountType() string {
	switch f {
	case FS_NTFS:
		return "ntfs3"
	case FS_FAT32:
		return "vfat"
	default:
		return f.String()
	}
}

// PartitionModification describes one partition of a device modification:
// what state it is in, its extent, filesystem and mount target.
//
// Instances are built through NewPartitionModification or the layout
// deserializer so the status invariants are enforced and a synthetic object
// id is assigned. The object id is the partition's identity: LVM and
// encryption configurations reference partitions by it, and it survives
// serialization round trips verbatim.
type PartitionModification struct {
	Status       ModificationStatus
	Type         PartitionType
	Start        Size
	Length       Size
	FSType       FilesystemType
	Mountpoint   string
	MountOptions []string
	Flags        []PartitionFlag
	BtrfsSubvols []SubvolumeModification

	// only set once the partition was created or exists on disk
	DevPath  string
	Partn    uint64
	PartUUID string
	UUID     string

	objID string
}

// NewPartitionModification validates the status invariants and assigns a
// fresh object id.
func NewPartitionModification(part PartitionModification) (*PartitionModification, error) {
	part.objID = uuid.New().String()
	if err := part.check(); err != nil {
		return nil, err
	}
	return &part, nil
}

func (p *PartitionModification) check() error {
	if p.IsExistsOrModify() && p.DevPath == "" {
		return fmt.Errorf("a partition marked existing, modify or delete must have a device path")
	}
	if p.Status == MOD_MODIFY && p.FSType == FS_NONE {
		return fmt.Errorf("filesystem type must be set on a partition with status modify")
	}
	return nil
}

// ObjID returns the stable synthetic id used for cross-referencing.
func (p *PartitionModification) ObjID() string {
	return p.objID
}

// End returns the first byte after the partition.
func (p *PartitionModification) End() Size {
	return p.Start.Add(p.Length)
}

func (p *PartitionModification) HasFlag(flag PartitionFlag) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// SetFlag adds the flag unless it is already present.
func (p *PartitionModification) SetFlag(flag PartitionFlag) {
	if !p.HasFlag(flag) {
		p.Flags = append(p.Flags, flag)
	}
}

// InvertFlag toggles the flag.
func (p *PartitionModification) InvertFlag(flag PartitionFlag) {
	if !p.HasFlag(flag) {
		p.SetFlag(flag)
		return
	}
	flags := p.Flags[:0]
	for _, f := range p.Flags {
		if f != flag {
			flags = append(flags, f)
		}
	}
	p.Flags = flags
}

func (p *PartitionModification) IsEFI() bool {
	return p.HasFlag(FLAG_ESP)
}

func (p *PartitionModification) IsBoot() bool {
	return p.HasFlag(FLAG_BOOT)
}

// IsRoot reports whether the partition holds the root filesystem, either
// mounted at / directly or through a btrfs subvolume mounted there.
func (p *PartitionModification) IsRoot() bool {
	if p.Mountpoint != "" {
		return p.Mountpoint == "/"
	}
	for _, subvol := range p.BtrfsSubvols {
		if subvol.IsRoot() {
			return true
		}
	}
	return false
}

func (p *PartitionModification) IsHome() bool {
	return p.Mountpoint == "/home"
}

func (p *PartitionModification) IsSwap() bool {
	return p.FSType == FS_LINUX_SWAP
}

func (p *PartitionModification) IsModify() bool {
	return p.Status == MOD_MODIFY
}

func (p *PartitionModification) IsDelete() bool {
	return p.Status == MOD_DELETE
}

func (p *PartitionModification) Exists() bool {
	return p.Status == MOD_EXIST
}

func (p *PartitionModification) IsExistsOrModify() bool {
	switch p.Status {
	case MOD_EXIST, MOD_DELETE, MOD_MODIFY:
		return true
	default:
		return false
	}
}

func (p *PartitionModification) IsCreateOrModify() bool {
	return p.Status == MOD_CREATE || p.Status == MOD_MODIFY
}

// MountPath returns the mountpoint; it implements the encryptable-entity
// lookup used by DiskEncryption.
func (p *PartitionModification) MountPath() string {
	return p.Mountpoint
}

// MapperName is the dm-crypt name the partition is unlocked under. Root and
// home get fixed well-known names so boot tooling can find them.
func (p *PartitionModification) MapperName() string {
	if p.IsRoot() {
		return "root"
	}
	if p.IsHome() {
		return "home"
	}
	if p.DevPath != "" {
		return EncMapperPrefix + path.Base(p.DevPath)
	}
	return ""
}
