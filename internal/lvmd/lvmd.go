// Package lvmd queries and drives live LVM state on the host. LVM metadata
// can lag behind a just-issued change, so info queries poll with a bounded
// retry and report a definitive "absent" on exhaustion instead of failing.
package lvmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/osinstall/diskplan/internal/disk"
	"github.com/osinstall/diskplan/internal/osexec"
)

const (
	// 100 attempts at 3 s apart puts the ceiling at five minutes.
	infoRetries    = 100
	infoRetryDelay = 3 * time.Second
)

// VolumeInfo is the live state of a logical volume.
type VolumeInfo struct {
	LVName string
	VGName string
	LVSize disk.Size
}

// GroupInfo is the live state of a volume group.
type GroupInfo struct {
	VGUUID string
	VGSize disk.Size
}

// PVSegmentInfo maps a physical volume to the logical volume and group
// occupying it.
type PVSegmentInfo struct {
	PVName string
	LVName string
	VGName string
}

// Client queries LVM through an injected executor.
type Client struct {
	exec       osexec.Executor
	retryDelay time.Duration
}

func New(exec osexec.Executor) *Client {
	return &Client{
		exec:       exec,
		retryDelay: infoRetryDelay,
	}
}

// report structures as emitted by lvs/vgs/pvs --reportformat json
type lvmReport struct {
	Report []struct {
		LV    []lvEntry    `json:"lv"`
		VG    []vgEntry    `json:"vg"`
		PVSeg []pvsegEntry `json:"pvseg"`
	} `json:"report"`
}

type lvEntry struct {
	LVName string `json:"lv_name"`
	VGName string `json:"vg_name"`
	LVSize string `json:"lv_size"`
}

type vgEntry struct {
	VGName string `json:"vg_name"`
	VGUUID string `json:"vg_uuid"`
	VGSize string `json:"vg_size"`
}

type pvsegEntry struct {
	PVName string `json:"pv_name"`
	LVName string `json:"lv_name"`
	VGName string `json:"vg_name"`
}

// parseReport strips the "File descriptor N leaked" noise the LVM tools
// sometimes print before the JSON document.
func parseReport(raw string) (*lvmReport, error) {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.Contains(line, "File descriptor") {
			continue
		}
		lines = append(lines, line)
	}

	var report lvmReport
	if err := json.Unmarshal([]byte(strings.Join(lines, "\n")), &report); err != nil {
		return nil, fmt.Errorf("cannot parse LVM report: %w", err)
	}
	return &report, nil
}

// parseByteSize parses the "12345B" size strings of --units B reports.
func parseByteSize(s string) (disk.Size, error) {
	value, err := strconv.ParseUint(strings.TrimSuffix(s, "B"), 10, 64)
	if err != nil {
		return disk.Size{}, fmt.Errorf("cannot parse LVM size %q: %w", s, err)
	}
	return disk.NewByteSize(value), nil
}

// query runs the command and retries while the report has no entry yet.
// Exhausting the retries returns an empty report and no error, absence is
// an expected state during provisioning. Command failures propagate.
func (c *Client) query(ctx context.Context, command string, args ...string) (*lvmReport, error) {
	for attempt := 0; attempt < infoRetries; attempt++ {
		output, err := c.exec.ExecuteCommandWithOutput(ctx, command, args...)
		if err != nil {
			return nil, err
		}

		report, err := parseReport(output)
		if err != nil {
			return nil, err
		}
		for _, entry := range report.Report {
			if len(entry.LV) > 0 || len(entry.VG) > 0 || len(entry.PVSeg) > 0 {
				return report, nil
			}
		}

		if attempt < infoRetries-1 {
			logrus.Debugf("LVM info query returned nothing (attempt %d/%d), retrying", attempt+1, infoRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}

	logrus.Debugf("LVM info query returned nothing after %d attempts", infoRetries)
	return nil, nil
}

// VolumeInfo looks up a logical volume by name. A nil result with a nil
// error means the volume does not exist yet.
func (c *Client) VolumeInfo(ctx context.Context, lvName string) (*VolumeInfo, error) {
	report, err := c.query(ctx, "lvs", "--reportformat", "json", "--unit", "B",
		"-S", fmt.Sprintf("lv_name=%s", lvName))
	if err != nil || report == nil {
		return nil, err
	}

	for _, entry := range report.Report {
		if len(entry.LV) == 0 {
			continue
		}
		size, err := parseByteSize(entry.LV[0].LVSize)
		if err != nil {
			return nil, err
		}
		return &VolumeInfo{
			LVName: entry.LV[0].LVName,
			VGName: entry.LV[0].VGName,
			LVSize: size,
		}, nil
	}
	return nil, nil
}

// GroupInfo looks up a volume group by name. A nil result with a nil error
// means the group does not exist yet.
func (c *Client) GroupInfo(ctx context.Context, vgName string) (*GroupInfo, error) {
	report, err := c.query(ctx, "vgs", "--reportformat", "json", "--unit", "B",
		"-o", "vg_name,vg_uuid,vg_size",
		"-S", fmt.Sprintf("vg_name=%s", vgName))
	if err != nil || report == nil {
		return nil, err
	}

	for _, entry := range report.Report {
		if len(entry.VG) == 0 {
			continue
		}
		size, err := parseByteSize(entry.VG[0].VGSize)
		if err != nil {
			return nil, err
		}
		return &GroupInfo{
			VGUUID: entry.VG[0].VGUUID,
			VGSize: size,
		}, nil
	}
	return nil, nil
}

// PVSegmentInfo looks up the physical volume backing a logical volume. A
// nil result with a nil error means no segment exists yet.
func (c *Client) PVSegmentInfo(ctx context.Context, vgName, lvName string) (*PVSegmentInfo, error) {
	report, err := c.query(ctx, "pvs", "--segments",
		"-o+lv_name,vg_name",
		"-S", fmt.Sprintf("vg_name=%s,lv_name=%s", vgName, lvName),
		"--reportformat", "json")
	if err != nil || report == nil {
		return nil, err
	}

	for _, entry := range report.Report {
		if len(entry.PVSeg) == 0 {
			continue
		}
		return &PVSegmentInfo{
			PVName: entry.PVSeg[0].PVName,
			LVName: entry.PVSeg[0].LVName,
			VGName: entry.PVSeg[0].VGName,
		}, nil
	}
	return nil, nil
}

// VolumeChange activates or deactivates a logical volume.
func (c *Client) VolumeChange(ctx context.Context, vol *disk.LvmVolume, activate bool) error {
	if vol.DevPath == "" {
		return fmt.Errorf("volume %s has no device path", vol.Name)
	}

	flag := "n"
	if activate {
		flag = "y"
	}

	logrus.Debugf("lvchange volume: %s -a %s", vol.DevPath, flag)
	return c.exec.ExecuteCommand(ctx, "lvchange", "-a", flag, vol.DevPath)
}

// ImportGroup imports an exported volume group. A group that does not
// exist or is already active is left alone.
func (c *Client) ImportGroup(ctx context.Context, vgName string) error {
	output, err := c.exec.ExecuteCommandWithOutput(ctx, "vgs", "--noheadings", "-o", "vg_exported", vgName)
	if err != nil {
		logrus.Debugf("volume group %s not found, skipping import", vgName)
		return nil
	}

	if strings.TrimSpace(output) != "exported" {
		logrus.Debugf("volume group %s is already active, skipping import", vgName)
		return nil
	}

	logrus.Debugf("vgimport: %s", vgName)
	return c.exec.ExecuteCommand(ctx, "vgimport", vgName)
}
