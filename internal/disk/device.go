package disk

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// PartitionTable is the partition table format enum.
type PartitionTable uint64

const (
	PT_GPT PartitionTable = iota
	PT_MBR
)

func (t PartitionTable) String() string {
	switch t {
	case PT_GPT:
		return "gpt"
	case PT_MBR:
		return "msdos"
	default:
		panic(fmt.Sprintf("unknown or unsupported partition table type with enum value %d", uint64(t)))
	}
}

func NewPartitionTable(s string) (PartitionTable, error) {
	switch s {
	case "gpt":
		return PT_GPT, nil
	case "msdos", "dos":
		return PT_MBR, nil
	default:
		return PT_GPT, fmt.Errorf("unknown or unsupported partition table type name: %s", s)
	}
}

func (t PartitionTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *PartitionTable) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	new, err := NewPartitionTable(s)
	if err != nil {
		return err
	}
	*t = new
	return nil
}

func (t PartitionTable) IsGPT() bool {
	return t == PT_GPT
}

func (t PartitionTable) IsMBR() bool {
	return t == PT_MBR
}

// DeviceInfo describes a physical block device as probed from the host.
type DeviceInfo struct {
	Model      string
	Path       string
	Type       string
	TotalSize  Size
	SectorSize SectorSize
	ReadOnly   bool
	Dirty      bool
}

// PartitionInfo describes a partition that already exists on disk.
type PartitionInfo struct {
	Name        string
	Type        PartitionType
	FSType      FilesystemType
	Path        string
	Start       Size
	Length      Size
	Flags       []PartitionFlag
	Partn       uint64
	PartUUID    string
	UUID        string
	Mountpoints []string

	// btrfs subvolumes found on the partition, mapped to where they are
	// currently mounted
	BtrfsSubvolInfos []SubvolumeModification
}

// BDevice is a resolved block device: its probed info, the partition table
// currently on it (if any) and the partitions it carries.
type BDevice struct {
	Info DeviceInfo

	// Table is the partition table found on the device; HasTable is false
	// for an unformatted disk.
	Table    PartitionTable
	HasTable bool

	Partitions []PartitionInfo
}

// FromExistingPartition builds an Exist-status modification mirroring a
// partition found on disk.
func FromExistingPartition(info PartitionInfo) (*PartitionModification, error) {
	var mountpoint string
	var subvols []SubvolumeModification

	if len(info.BtrfsSubvolInfos) > 0 {
		subvols = append(subvols, info.BtrfsSubvolInfos...)
	} else if len(info.Mountpoints) > 0 {
		mountpoint = info.Mountpoints[0]
	}

	return NewPartitionModification(PartitionModification{
		Status:       MOD_EXIST,
		Type:         info.Type,
		Start:        info.Start,
		Length:       info.Length,
		FSType:       info.FSType,
		Mountpoint:   mountpoint,
		Flags:        info.Flags,
		BtrfsSubvols: subvols,
		DevPath:      info.Path,
		Partn:        info.Partn,
		PartUUID:     info.PartUUID,
		UUID:         info.UUID,
	})
}

// Validation failures. These are configuration errors: they abort
// construction of the layout before anything is scheduled against the
// device.
var (
	ErrInvalidStart = errors.New("first partition must start at no less than 1 MiB")
	ErrOverlap      = errors.New("partitions overlap")
	ErrMisaligned   = errors.New("partition is misaligned")
	ErrGPTReserved  = errors.New("partition overlaps backup GPT header")
	ErrTooLarge     = errors.New("partition too large for device")
)

// DeviceModification is one physical device together with the wipe intent
// and the ordered set of partition modifications to apply to it.
type DeviceModification struct {
	Device     *BDevice
	Wipe       bool
	Partitions []*PartitionModification
}

func (m *DeviceModification) DevicePath() string {
	return m.Device.Info.Path
}

func (m *DeviceModification) AddPartition(part *PartitionModification) {
	m.Partitions = append(m.Partitions, part)
}

// UsingGPT reports whether the modification results in a GPT disk: wiping
// lays down the host's default table, otherwise the existing table counts.
func (m *DeviceModification) UsingGPT(defaultTable PartitionTable) bool {
	if m.Wipe {
		return defaultTable.IsGPT()
	}
	return m.Device.HasTable && m.Device.Table.IsGPT()
}

// GetEFIPartition returns the first ESP-flagged partition with a
// mountpoint.
func (m *DeviceModification) GetEFIPartition() *PartitionModification {
	for _, part := range m.Partitions {
		if part.IsEFI() && part.Mountpoint != "" {
			return part
		}
	}
	return nil
}

// GetBootPartition returns the first boot-flagged partition with a
// mountpoint.
func (m *DeviceModification) GetBootPartition() *PartitionModification {
	for _, part := range m.Partitions {
		if part.IsBoot() && part.Mountpoint != "" {
			return part
		}
	}
	return nil
}

// GetRootPartition returns the first partition holding the root filesystem.
func (m *DeviceModification) GetRootPartition() *PartitionModification {
	for _, part := range m.Partitions {
		if part.IsRoot() {
			return part
		}
	}
	return nil
}

// Validate checks the partition set against the device and the partition
// table format. It reorders the partition list so that all non-delete
// partitions precede delete ones, ascending by start within each group,
// then verifies for created partitions: a first start of at least 1 MiB, no
// overlap with the preceding partition, MiB alignment of start and length,
// and that the layout leaves room for the backup GPT header (or at least
// fits the device when the table is not GPT).
//
// Any failure is a hard gate: the configuration must not reach the
// execution engine.
func (m *DeviceModification) Validate(defaultTable PartitionTable) error {
	sort.SliceStable(m.Partitions, func(i, j int) bool {
		a, b := m.Partitions[i], m.Partitions[j]
		if a.IsDelete() != b.IsDelete() {
			return !a.IsDelete()
		}
		return a.Start.Less(b.Start)
	})

	var nonDelete []*PartitionModification
	for _, part := range m.Partitions {
		if !part.IsDelete() {
			nonDelete = append(nonDelete, part)
		}
	}

	if len(nonDelete) == 0 {
		return nil
	}

	first := nonDelete[0]
	if first.Status == MOD_CREATE && !first.Start.IsValidStart() {
		return fmt.Errorf("%s: %w", m.DevicePath(), ErrInvalidStart)
	}

	for i := 1; i < len(nonDelete); i++ {
		current := nonDelete[i]
		previous := nonDelete[i-1]
		if current.Status == MOD_CREATE && current.Start.Less(previous.End()) {
			return fmt.Errorf("%s: %s and %s: %w",
				m.DevicePath(), previous.ObjID(), current.ObjID(), ErrOverlap)
		}
	}

	var created []*PartitionModification
	for _, part := range nonDelete {
		if part.Status == MOD_CREATE {
			created = append(created, part)
		}
	}

	if len(created) == 0 {
		return nil
	}

	for _, part := range created {
		if !part.Start.Equal(part.Start.Align()) || !part.Length.Equal(part.Length.Align()) {
			return fmt.Errorf("%s: %s: %w", m.DevicePath(), part.ObjID(), ErrMisaligned)
		}
	}

	last := created[0]
	for _, part := range created[1:] {
		if part.End().Greater(last.End()) {
			last = part
		}
	}

	totalSize := m.Device.Info.TotalSize
	if m.UsingGPT(defaultTable) {
		if last.End().Greater(totalSize.GPTEnd()) {
			return fmt.Errorf("%s: %w", m.DevicePath(), ErrGPTReserved)
		}
	} else if last.End().Greater(totalSize.Align()) {
		return fmt.Errorf("%s: %w", m.DevicePath(), ErrTooLarge)
	}

	return nil
}
