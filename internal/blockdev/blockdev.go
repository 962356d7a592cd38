// Package blockdev probes the host's block devices through lsblk and turns
// them into the device model the layout configuration validates against.
// It provides the device resolver used when deserializing a layout.
package blockdev

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/osinstall/diskplan/internal/disk"
	"github.com/osinstall/diskplan/internal/osexec"
)

const (
	// lsblk output can briefly lag behind a partition table change, a few
	// short retries paper over the udev settle window.
	lsblkRetries    = 3
	lsblkRetryDelay = time.Second
)

// LsblkInfo is one block device entry of lsblk --json --bytes output.
type LsblkInfo struct {
	Name        string      `json:"name"`
	Path        string      `json:"path"`
	PKName      string      `json:"pkname"`
	LogSec      uint64      `json:"log-sec"`
	Size        uint64      `json:"size"`
	PTType      string      `json:"pttype"`
	PTUUID      string      `json:"ptuuid"`
	Rota        bool        `json:"rota"`
	Tran        string      `json:"tran"`
	Partn       uint64      `json:"partn"`
	PartUUID    string      `json:"partuuid"`
	UUID        string      `json:"uuid"`
	FSType      string      `json:"fstype"`
	Type        string      `json:"type"`
	RO          bool        `json:"ro"`
	Model       string      `json:"model"`
	Start       uint64      `json:"start"`
	Mountpoint  string      `json:"mountpoint"`
	Mountpoints []string    `json:"mountpoints"`
	FSRoots     []string    `json:"fsroots"`
	Children    []LsblkInfo `json:"children"`
}

var lsblkFields = []string{
	"NAME", "PATH", "PKNAME", "LOG-SEC", "SIZE", "PTTYPE", "PTUUID", "ROTA",
	"TRAN", "PARTN", "PARTUUID", "UUID", "FSTYPE", "TYPE", "RO", "MODEL",
	"START", "MOUNTPOINT", "MOUNTPOINTS", "FSROOTS",
}

type lsblkOutput struct {
	BlockDevices []LsblkInfo `json:"blockdevices"`
}

// DeviceHandler holds the probed devices of the host. It implements
// disk.DeviceResolver over the snapshot taken by LoadDevices.
type DeviceHandler struct {
	exec         osexec.Executor
	defaultTable disk.PartitionTable
	devices      map[string]*disk.BDevice
	retryDelay   time.Duration
}

func NewDeviceHandler(exec osexec.Executor, defaultTable disk.PartitionTable) *DeviceHandler {
	return &DeviceHandler{
		exec:         exec,
		defaultTable: defaultTable,
		devices:      map[string]*disk.BDevice{},
		retryDelay:   lsblkRetryDelay,
	}
}

func (h *DeviceHandler) fetchLsblk(ctx context.Context, devPath string) (*lsblkOutput, error) {
	args := []string{"--json", "--bytes", "--output", strings.Join(lsblkFields, ",")}
	if devPath != "" {
		args = append(args, devPath)
	}

	var lastErr error
	for attempt := 0; attempt < lsblkRetries; attempt++ {
		output, err := h.exec.ExecuteCommandWithOutput(ctx, "lsblk", args...)
		if err == nil {
			var parsed lsblkOutput
			if err := json.Unmarshal([]byte(output), &parsed); err != nil {
				return nil, fmt.Errorf("cannot parse lsblk output: %w", err)
			}
			return &parsed, nil
		}

		lastErr = err
		if attempt < lsblkRetries-1 {
			logrus.Debugf("lsblk failed (attempt %d/%d), retrying: %v", attempt+1, lsblkRetries, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(h.retryDelay):
			}
		}
	}

	return nil, fmt.Errorf("lsblk failed after %d attempts: %w", lsblkRetries, lastErr)
}

// LoadDevices takes a fresh snapshot of the host's block devices.
func (h *DeviceHandler) LoadDevices(ctx context.Context) error {
	output, err := h.fetchLsblk(ctx, "")
	if err != nil {
		return err
	}

	devices := map[string]*disk.BDevice{}

	for _, info := range output.BlockDevices {
		if info.Type != "disk" && info.Type != "loop" {
			continue
		}

		device, err := deviceFromLsblk(info)
		if err != nil {
			logrus.Debugf("skipping device %s: %v", info.Path, err)
			continue
		}
		devices[info.Path] = device
	}

	h.devices = devices
	return nil
}

func deviceFromLsblk(info LsblkInfo) (*disk.BDevice, error) {
	sectorSize, err := disk.NewSectorSize(info.LogSec, disk.UNIT_B)
	if err != nil {
		return nil, err
	}
	if sectorSize.Value == 0 {
		sectorSize = disk.DefaultSectorSize()
	}

	device := &disk.BDevice{
		Info: disk.DeviceInfo{
			Model:      strings.TrimSpace(info.Model),
			Path:       info.Path,
			Type:       info.Type,
			TotalSize:  disk.Size{Value: info.Size, Unit: disk.UNIT_B, SectorSize: sectorSize},
			SectorSize: sectorSize,
			ReadOnly:   info.RO,
		},
	}

	if info.PTType != "" {
		table, err := disk.NewPartitionTable(info.PTType)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", info.Path, err)
		}
		device.Table = table
		device.HasTable = true
	}

	for _, child := range info.Children {
		if child.Type != "part" {
			continue
		}
		device.Partitions = append(device.Partitions, partitionFromLsblk(child, sectorSize))
	}

	return device, nil
}

func partitionFromLsblk(info LsblkInfo, sectorSize disk.SectorSize) disk.PartitionInfo {
	// lsblk reports filesystems this model does not cover (vfat, squashfs);
	// they degrade to an unset filesystem type
	fsType, err := disk.NewFilesystemType(info.FSType)
	if err != nil {
		logrus.Debugf("partition %s: %v", info.Path, err)
		fsType = disk.FS_NONE
	}

	part := disk.PartitionInfo{
		Name:        info.Name,
		Type:        disk.PART_PRIMARY,
		FSType:      fsType,
		Path:        info.Path,
		Start:       disk.Size{Value: info.Start, Unit: disk.UNIT_SECTORS, SectorSize: sectorSize},
		Length:      disk.Size{Value: info.Size, Unit: disk.UNIT_B, SectorSize: sectorSize},
		Partn:       info.Partn,
		PartUUID:    info.PartUUID,
		UUID:        info.UUID,
		Mountpoints: compactStrings(info.Mountpoints),
	}

	if fsType == disk.FS_BTRFS {
		part.BtrfsSubvolInfos = btrfsSubvolsFromLsblk(info)
	}

	return part
}

// btrfsSubvolsFromLsblk pairs up the fsroots and mountpoints columns, which
// lsblk emits index-aligned for a mounted btrfs filesystem.
func btrfsSubvolsFromLsblk(info LsblkInfo) []disk.SubvolumeModification {
	var subvols []disk.SubvolumeModification
	for i, fsroot := range info.FSRoots {
		if fsroot == "" || fsroot == "/" || i >= len(info.Mountpoints) {
			continue
		}
		subvols = append(subvols, disk.SubvolumeModification{
			Name:       strings.TrimPrefix(fsroot, "/"),
			Mountpoint: info.Mountpoints[i],
		})
	}
	return subvols
}

func compactStrings(values []string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Devices returns the probed devices of the last LoadDevices snapshot.
func (h *DeviceHandler) Devices() []*disk.BDevice {
	var devices []*disk.BDevice
	for _, device := range h.devices {
		devices = append(devices, device)
	}
	return devices
}

// GetDevice resolves a device path against the snapshot.
func (h *DeviceHandler) GetDevice(path string) (*disk.BDevice, bool) {
	device, ok := h.devices[path]
	return device, ok
}

// DefaultTableFormat is the table laid down when wiping a device.
func (h *DeviceHandler) DefaultTableFormat() disk.PartitionTable {
	return h.defaultTable
}

// DetectPreMountedMods describes the layout already mounted below the base
// mountpoint as exist-status modifications, with mountpoints rewritten to
// be relative to the installation root.
func (h *DeviceHandler) DetectPreMountedMods(base string) ([]*disk.DeviceModification, error) {
	byDevice := map[string]*disk.DeviceModification{}
	var order []string

	paths := make([]string, 0, len(h.devices))
	for path := range h.devices {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		device := h.devices[path]
		for _, partInfo := range device.Partitions {
			mountpoint, ok := mountpointBelow(partInfo.Mountpoints, base)
			if !ok {
				continue
			}

			part, err := disk.FromExistingPartition(partInfo)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", partInfo.Path, err)
			}

			if part.Mountpoint != "" {
				part.Mountpoint = stripBase(mountpoint, base)
			} else {
				for i := range part.BtrfsSubvols {
					if sm := part.BtrfsSubvols[i].Mountpoint; sm != "" {
						part.BtrfsSubvols[i].Mountpoint = stripBase(sm, base)
					}
				}
			}

			mod, ok := byDevice[path]
			if !ok {
				mod = &disk.DeviceModification{Device: device, Wipe: false}
				byDevice[path] = mod
				order = append(order, path)
			}
			mod.AddPartition(part)
		}
	}

	var mods []*disk.DeviceModification
	for _, path := range order {
		mods = append(mods, byDevice[path])
	}
	return mods, nil
}

func mountpointBelow(mountpoints []string, base string) (string, bool) {
	for _, mp := range mountpoints {
		if mp == base || strings.HasPrefix(mp, base+"/") {
			return mp, true
		}
	}
	return "", false
}

func stripBase(mountpoint, base string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(mountpoint, base), "/")
	return "/" + rel
}
