package disk

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// SubvolumeModification is a btrfs subvolume to create inside a partition or
// LVM volume, with the mountpoint it gets in the installed system.
type SubvolumeModification struct {
	Name       string `json:"name"`
	Mountpoint string `json:"mountpoint"`
}

// IsRoot reports whether the subvolume is mounted at /.
func (s SubvolumeModification) IsRoot() bool {
	return s.Mountpoint == "/"
}

// RelativeMountpoint returns the mountpoint without the leading slash, for
// mounting below an installation target prefix.
func (s SubvolumeModification) RelativeMountpoint() string {
	if s.Mountpoint == "" {
		return ""
	}
	return s.Mountpoint[1:]
}

// parseSubvolumes resolves subvolume entries, skipping incomplete ones.
func parseSubvolumes(args []SubvolumeModification) []SubvolumeModification {
	var mods []SubvolumeModification
	for _, entry := range args {
		if entry.Name == "" || entry.Mountpoint == "" {
			logrus.Debugf("btrfs subvolume entry is missing name or mountpoint: %+v", entry)
			continue
		}
		mods = append(mods, entry)
	}
	return mods
}

// SnapshotType selects the snapshot tooling set up for btrfs layouts.
type SnapshotType uint64

const (
	SNAPSHOT_SNAPPER SnapshotType = iota
	SNAPSHOT_TIMESHIFT
)

func (t SnapshotType) String() string {
	switch t {
	case SNAPSHOT_SNAPPER:
		return "Snapper"
	case SNAPSHOT_TIMESHIFT:
		return "Timeshift"
	default:
		panic(fmt.Sprintf("unknown or unsupported snapshot type with enum value %d", uint64(t)))
	}
}

func NewSnapshotType(s string) (SnapshotType, error) {
	switch s {
	case "Snapper":
		return SNAPSHOT_SNAPPER, nil
	case "Timeshift":
		return SNAPSHOT_TIMESHIFT, nil
	default:
		return SNAPSHOT_SNAPPER, fmt.Errorf("unknown or unsupported snapshot type name: %s", s)
	}
}

func (t SnapshotType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *SnapshotType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	new, err := NewSnapshotType(s)
	if err != nil {
		return err
	}
	*t = new
	return nil
}

// SnapshotConfig carries the chosen snapshot tooling.
type SnapshotConfig struct {
	Type SnapshotType `json:"type"`
}

// BtrfsOptions are layout-wide btrfs settings, only meaningful when the
// configuration declares default btrfs subvolumes.
type BtrfsOptions struct {
	SnapshotConfig *SnapshotConfig `json:"snapshot_config,omitempty"`
}
