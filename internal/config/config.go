// Package config loads and stores the user-facing configuration files: the
// layout document, shareable and free of secrets, and the credentials file
// holding the encryption password and HSM details.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/osinstall/diskplan/internal/disk"
)

// Credentials holds the secrets split out of the layout document.
type Credentials struct {
	EncryptionPassword string            `json:"encryption_password,omitempty"`
	HSMDevice          *disk.Fido2Device `json:"hsm_device,omitempty"`
}

// layoutFile is the top level of the user configuration document.
type layoutFile struct {
	DiskConfig json.RawMessage `json:"disk_config"`
}

// fetch reads the configuration source, a local path or an http(s) URL.
func fetch(source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		client := retryablehttp.NewClient()
		client.Logger = logrus.StandardLogger()

		resp, err := client.Get(source)
		if err != nil {
			return nil, fmt.Errorf("cannot fetch configuration from %s: %w", source, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("cannot fetch configuration from %s: %s", source, resp.Status)
		}
		return io.ReadAll(resp.Body)
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("cannot read configuration: %w", err)
	}
	return data, nil
}

// LoadLayout reads a layout document from a file or URL and builds the
// validated configuration. The password, if any, comes from the separately
// loaded credentials.
func LoadLayout(source string, resolver disk.DeviceResolver, creds *Credentials) (*disk.DiskLayoutConfiguration, error) {
	data, err := fetch(source)
	if err != nil {
		return nil, err
	}

	var file layoutFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("cannot parse configuration %s: %w", source, err)
	}
	if len(file.DiskConfig) == 0 {
		return nil, fmt.Errorf("configuration %s has no disk_config section", source)
	}

	var password string
	if creds != nil {
		password = creds.EncryptionPassword
	}

	config, err := disk.ParseDiskConfig(file.DiskConfig, resolver, password)
	if err != nil {
		return nil, err
	}

	if creds != nil && creds.HSMDevice != nil && config.DiskEncryption != nil {
		config.DiskEncryption.HSMDevice = creds.HSMDevice
	}

	return config, nil
}

// LoadCredentials reads the credentials file. A missing file is not an
// error, installations without encryption have none.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("cannot parse credentials %s: %w", path, err)
	}
	return &creds, nil
}

// StoreLayout writes the layout document, secrets excluded, so it can be
// reviewed and reused.
func StoreLayout(path string, config *disk.DiskLayoutConfiguration) error {
	diskConfig, err := json.Marshal(config)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(layoutFile{DiskConfig: diskConfig}, "", "    ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(data, '\n'), 0o644)
}
