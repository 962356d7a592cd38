package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/osinstall/diskplan/internal/disk"
)

type settings struct {
	// table format used when wiping a device
	DefaultTable string `toml:"default_table"`
	Verbose      bool   `toml:"verbose"`
}

func parseSettings(path string) (*settings, error) {
	config := settings{
		DefaultTable: "gpt",
	}

	if path == "" {
		return &config, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &config, nil
		}
		return nil, err
	}
	defer f.Close()

	if _, err := toml.NewDecoder(f).Decode(&config); err != nil {
		return nil, fmt.Errorf("cannot parse settings %s: %w", path, err)
	}

	if _, err := disk.NewPartitionTable(config.DefaultTable); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}

	return &config, nil
}
