package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/osinstall/diskplan/internal/blockdev"
	"github.com/osinstall/diskplan/internal/config"
	"github.com/osinstall/diskplan/internal/disk"
	"github.com/osinstall/diskplan/internal/osexec"
)

func main() {
	var configArg string
	flag.StringVar(&configArg, "config", "", "path or URL of the layout configuration (required)")
	var credentialsArg string
	flag.StringVar(&credentialsArg, "credentials", "", "path of the credentials file")
	var settingsArg string
	flag.StringVar(&settingsArg, "settings", "/etc/diskplan/settings.toml", "path of the settings file")
	var showJSONArg bool
	flag.BoolVar(&showJSONArg, "show-json", false, "print the validated layout document")
	var verboseArg bool
	flag.BoolVar(&verboseArg, "verbose", false, "enable debug logging")
	flag.Parse()

	if configArg == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := parseSettings(settingsArg)
	if err != nil {
		logrus.Fatalf("Could not load settings: %v", err)
	}

	if verboseArg || cfg.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	defaultTable, err := disk.NewPartitionTable(cfg.DefaultTable)
	if err != nil {
		logrus.Fatalf("Invalid default partition table: %v", err)
	}

	handler := blockdev.NewDeviceHandler(osexec.CommandExecutor{}, defaultTable)
	if err := handler.LoadDevices(context.Background()); err != nil {
		logrus.Fatalf("Could not probe block devices: %v", err)
	}

	var creds *config.Credentials
	if credentialsArg != "" {
		creds, err = config.LoadCredentials(credentialsArg)
		if err != nil {
			logrus.Fatalf("Could not load credentials: %v", err)
		}
	}

	layout, err := config.LoadLayout(configArg, handler, creds)
	if err != nil {
		logrus.Fatalf("Invalid layout configuration: %v", err)
	}

	for _, mod := range layout.DeviceModifications {
		logrus.Infof("%s: %d partition modifications, wipe=%v, total %s",
			mod.DevicePath(), len(mod.Partitions), mod.Wipe,
			mod.Device.Info.TotalSize.FormatHighest(disk.UNITS_BINARY))
	}
	if layout.LvmConfig != nil {
		logrus.Infof("LVM: %d volume groups, %d volumes",
			len(layout.LvmConfig.VolGroups), len(layout.LvmConfig.GetAllVolumes()))
	}
	if layout.DiskEncryption != nil {
		logrus.Infof("Encryption: %s over %d partitions and %d volumes",
			layout.DiskEncryption.EncryptionType,
			len(layout.DiskEncryption.Partitions),
			len(layout.DiskEncryption.LvmVolumes))
	}

	if showJSONArg {
		document, err := json.MarshalIndent(layout, "", "    ")
		if err != nil {
			logrus.Fatalf("Could not serialize layout: %v", err)
		}
		fmt.Println(string(document))
	}
}
