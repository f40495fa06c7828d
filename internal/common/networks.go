package common

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

type NetworkConfig struct {
	Currency    string `yaml:"currency"`
	RPCEndpoint string `yaml:"rpc_endpoint"`
	WSEndpoint  string `yaml:"ws_endpoint"`
}

type NetworksConfig struct {
	Networks []NetworkConfig `yaml:"networks"`
}

func LoadNetworkConfig(networksFile string) ([]NetworkConfig, error) {
	var networksPath string
	if filepath.IsAbs(networksFile) {
		networksPath = networksFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		networksPath = filepath.Join(wd, networksFile)
	}

	data, err := os.ReadFile(networksPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", networksFile, err)
	}

	var config NetworksConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", networksFile, err)
	}

	for i, network := range config.Networks {
		if network.Currency == "" {
			return nil, fmt.Errorf("network at index %d missing currency", i)
		}
		if network.RPCEndpoint == "" {
			return nil, fmt.Errorf("network at index %d missing rpc_endpoint", i)
		}
	}

	return config.Networks, nil
}
